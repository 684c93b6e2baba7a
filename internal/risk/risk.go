// Package risk classifies agent actions before execution so the
// orchestrator can gate them with checkpoints, approvals, or review.
package risk

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Level grades the severity of potential negative outcomes.
type Level int

const (
	Minimal  Level = 1 // read operations, no side effects
	Low      Level = 2 // reversible writes, local changes
	Moderate Level = 3 // significant changes, but recoverable
	High     Level = 4 // important system changes, hard to reverse
	Critical Level = 5 // potentially destructive, irreversible
)

func (l Level) String() string {
	switch l {
	case Minimal:
		return "MINIMAL"
	case Low:
		return "LOW"
	case Moderate:
		return "MODERATE"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Assessment is the complete risk verdict for one action.
type Assessment struct {
	Action       string
	Tool         string
	InputSummary string

	Level                  Level
	IsReversible           bool
	AffectsSourceOfTruth   bool
	HasExternalSideEffects bool
	Concerns               []string

	RequiresApproval    bool
	RequiresCheckpoint  bool
	RequiresReview      bool
	SuggestedMitigation string
}

// Pattern flags specific risk characteristics when an action matches.
type Pattern struct {
	PatternID   string
	Description string
	Level       Level

	Tool         string // empty means any tool
	InputPattern string // regex applied to InputField
	InputField   string

	IsReversible           bool
	AffectsSourceOfTruth   bool
	HasExternalSideEffects bool

	RequiresApproval   bool
	RequiresCheckpoint bool
	Mitigation         string

	re *regexp.Regexp
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{
			PatternID:            "feature_database_write",
			Description:          "Direct write to feature database",
			Tool:                 "write_file",
			InputField:           "path",
			InputPattern:         `\.arcadia/project\.db$`,
			Level:                High,
			IsReversible:         true,
			AffectsSourceOfTruth: true,
			RequiresCheckpoint:   true,
			Mitigation:           "Use feature tools (feature_mark, etc.) instead of direct database access",
		},
		{
			PatternID:              "git_push",
			Description:            "Git push to remote",
			Tool:                   "bash",
			InputField:             "command",
			InputPattern:           `git\s+push`,
			Level:                  High,
			HasExternalSideEffects: true,
			RequiresApproval:       true,
		},
		{
			PatternID:              "git_force_push",
			Description:            "Git force push",
			Tool:                   "bash",
			InputField:             "command",
			InputPattern:           `git\s+push\s+.*(-f|--force)`,
			Level:                  Critical,
			HasExternalSideEffects: true,
			RequiresApproval:       true,
			Mitigation:             "Avoid force push unless absolutely necessary",
		},
		{
			PatternID:          "git_reset_hard",
			Description:        "Git hard reset",
			Tool:               "bash",
			InputField:         "command",
			InputPattern:       `git\s+reset\s+--hard`,
			Level:              High,
			RequiresCheckpoint: true,
			RequiresApproval:   true,
		},
		{
			PatternID:          "rm_recursive",
			Description:        "Recursive file deletion",
			Tool:               "bash",
			InputField:         "command",
			InputPattern:       `rm\s+.*-r`,
			Level:              High,
			RequiresApproval:   true,
			RequiresCheckpoint: true,
		},
		{
			PatternID:          "rm_force",
			Description:        "Force file deletion",
			Tool:               "bash",
			InputField:         "command",
			InputPattern:       `rm\s+.*-f`,
			Level:              Moderate,
			RequiresCheckpoint: true,
		},
		{
			PatternID:              "npm_install",
			Description:            "NPM package installation",
			Tool:                   "bash",
			InputField:             "command",
			InputPattern:           `npm\s+(install|i)\s`,
			Level:                  Moderate,
			IsReversible:           true,
			HasExternalSideEffects: true,
			RequiresCheckpoint:     true,
		},
		{
			PatternID:              "pip_install",
			Description:            "Python package installation",
			Tool:                   "bash",
			InputField:             "command",
			InputPattern:           `pip\s+install`,
			Level:                  Moderate,
			IsReversible:           true,
			HasExternalSideEffects: true,
			RequiresCheckpoint:     true,
		},
		{
			PatternID:          "db_drop",
			Description:        "Database drop operation",
			Tool:               "bash",
			InputField:         "command",
			InputPattern:       `(DROP\s+(TABLE|DATABASE)|dropdb)`,
			Level:              Critical,
			RequiresApproval:   true,
			RequiresCheckpoint: true,
			Mitigation:         "Create backup before dropping",
		},
		{
			PatternID:        "db_truncate",
			Description:      "Database truncate operation",
			Tool:             "bash",
			InputField:       "command",
			InputPattern:     `TRUNCATE\s+TABLE`,
			Level:            High,
			RequiresApproval: true,
		},
		{
			PatternID:              "curl_post",
			Description:            "HTTP POST request",
			Tool:                   "bash",
			InputField:             "command",
			InputPattern:           `curl\s+.*(-X\s*POST|-d\s)`,
			Level:                  Moderate,
			IsReversible:           true,
			HasExternalSideEffects: true,
		},
		{
			PatternID:            "env_file_write",
			Description:          "Environment file modification",
			Tool:                 "write_file",
			InputField:           "path",
			InputPattern:         `\.env`,
			Level:                High,
			IsReversible:         true,
			AffectsSourceOfTruth: true,
			RequiresApproval:     true,
		},
		{
			PatternID:          "config_file_write",
			Description:        "Configuration file modification",
			Tool:               "write_file",
			InputField:         "path",
			InputPattern:       `(config|settings)\.(json|yaml|yml|toml)$`,
			Level:              Moderate,
			IsReversible:       true,
			RequiresCheckpoint: true,
		},
	}
}

// defaultToolRisks maps tools with no matching pattern to a baseline level.
var defaultToolRisks = map[string]Level{
	"read_file":  Minimal,
	"list_files": Minimal,

	"write_file": Moderate,
	"edit_file":  Moderate,
	"bash":       Moderate,

	"feature_mark":    Moderate,
	"feature_skip":    Low,
	"feature_add":     Low,
	"feature_list":    Minimal,
	"feature_focus":   Minimal,
	"feature_block":   Low,
	"feature_unblock": Low,

	"hypothesis_create":       Low,
	"hypothesis_add_evidence": Low,
	"hypothesis_resolve":      Low,
	"hypothesis_list":         Minimal,
	"hypothesis_show":         Minimal,
	"hypothesis_search":       Minimal,

	"browser_navigate":   Low,
	"browser_screenshot": Minimal,
	"browser_click":      Low,
	"browser_type":       Low,
}

// Stats counts assessments made by one classifier instance.
type Stats struct {
	TotalAssessments    int
	ByLevel             map[string]int
	ApprovalsRequired   int
	CheckpointsRequired int
}

// Rule is a custom per-tool assessment override.
type Rule func(input map[string]interface{}) Assessment

// Classifier assesses actions against patterns and logs the verdicts.
type Classifier struct {
	store     *store.ProjectStore
	sessionID int

	mu          sync.Mutex
	patterns    []Pattern
	customRules map[string]Rule
	stats       Stats
}

// NewClassifier builds a classifier with the default patterns plus any
// enabled custom patterns persisted in the store.
func NewClassifier(st *store.ProjectStore, sessionID int) (*Classifier, error) {
	c := &Classifier{
		store:       st,
		sessionID:   sessionID,
		patterns:    defaultPatterns(),
		customRules: make(map[string]Rule),
		stats:       Stats{ByLevel: make(map[string]int)},
	}
	for i := range c.patterns {
		c.patterns[i].re = regexp.MustCompile("(?i)" + c.patterns[i].InputPattern)
	}

	if st != nil {
		rows, err := st.ListRiskPatterns()
		if err != nil {
			return nil, fmt.Errorf("failed to load custom risk patterns: %w", err)
		}
		for _, row := range rows {
			if !row.IsEnabled || c.hasPattern(row.PatternID) {
				continue
			}
			p := patternFromRow(row)
			if p.InputPattern != "" {
				re, err := regexp.Compile("(?i)" + p.InputPattern)
				if err != nil {
					logging.Risk("Skipping custom pattern %s: bad regex: %v", p.PatternID, err)
					continue
				}
				p.re = re
			}
			c.patterns = append(c.patterns, p)
		}
	}

	return c, nil
}

// SetSessionID updates the session stamped on logged assessments.
func (c *Classifier) SetSessionID(sessionID int) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// RegisterRule installs a custom assessment rule for a tool. The rule
// takes precedence over pattern matching.
func (c *Classifier) RegisterRule(tool string, rule Rule) {
	c.mu.Lock()
	c.customRules[tool] = rule
	c.mu.Unlock()
}

// AddPattern registers and persists a custom risk pattern.
func (c *Classifier) AddPattern(p Pattern) error {
	re, err := regexp.Compile("(?i)" + p.InputPattern)
	if err != nil {
		return fmt.Errorf("invalid input pattern: %w", err)
	}
	p.re = re

	c.mu.Lock()
	if !c.hasPatternLocked(p.PatternID) {
		c.patterns = append(c.patterns, p)
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.UpsertRiskPattern(store.RiskPatternRow{
		PatternID:              p.PatternID,
		Description:            p.Description,
		Tool:                   p.Tool,
		InputPattern:           p.InputPattern,
		InputField:             p.InputField,
		RiskLevel:              int(p.Level),
		IsReversible:           p.IsReversible,
		AffectsSourceOfTruth:   p.AffectsSourceOfTruth,
		HasExternalSideEffects: p.HasExternalSideEffects,
		RequiresApproval:       p.RequiresApproval,
		RequiresCheckpoint:     p.RequiresCheckpoint,
		Mitigation:             p.Mitigation,
		IsCustom:               true,
		IsEnabled:              true,
	})
}

// Assess classifies one action and records the verdict.
func (c *Classifier) Assess(tool string, input map[string]interface{}) Assessment {
	timer := logging.StartTimer(logging.CategoryRisk, "Assess")
	defer timer.Stop()

	if input == nil {
		input = map[string]interface{}{}
	}

	c.mu.Lock()
	rule, hasRule := c.customRules[tool]
	c.mu.Unlock()

	var a Assessment
	if hasRule {
		a = rule(input)
	} else if matched := c.matchPatterns(tool, input); len(matched) > 0 {
		a = c.assessFromPatterns(tool, input, matched)
	} else {
		a = c.assessDefault(tool, input)
	}

	c.record(a)
	return a
}

func (c *Classifier) matchPatterns(tool string, input map[string]interface{}) []Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matches []Pattern
	for _, p := range c.patterns {
		if p.Tool != "" && !strings.EqualFold(p.Tool, tool) {
			continue
		}
		if p.re != nil && p.InputField != "" {
			value := fmt.Sprintf("%v", input[p.InputField])
			if !p.re.MatchString(value) {
				continue
			}
		}
		matches = append(matches, p)
	}
	return matches
}

func (c *Classifier) assessFromPatterns(tool string, input map[string]interface{}, patterns []Pattern) Assessment {
	a := Assessment{
		Action:       summarizeAction(tool, input),
		Tool:         tool,
		InputSummary: summarizeInput(input),
		IsReversible: true,
	}
	for _, p := range patterns {
		if p.Level > a.Level {
			a.Level = p.Level
		}
		a.Concerns = append(a.Concerns, p.Description)
		if !p.IsReversible {
			a.IsReversible = false
		}
		a.AffectsSourceOfTruth = a.AffectsSourceOfTruth || p.AffectsSourceOfTruth
		a.HasExternalSideEffects = a.HasExternalSideEffects || p.HasExternalSideEffects
		a.RequiresApproval = a.RequiresApproval || p.RequiresApproval
		a.RequiresCheckpoint = a.RequiresCheckpoint || p.RequiresCheckpoint
		if a.SuggestedMitigation == "" && p.Mitigation != "" {
			a.SuggestedMitigation = p.Mitigation
		}
	}
	a.RequiresReview = a.Level >= High
	return a
}

func (c *Classifier) assessDefault(tool string, input map[string]interface{}) Assessment {
	level, ok := defaultToolRisks[tool]
	if !ok {
		level = Moderate
	}

	readOnly := map[string]bool{
		"read_file": true, "list_files": true, "browser_screenshot": true,
	}
	sourceOfTruth := map[string]bool{"write_file": true, "edit_file": true, "feature_mark": true}
	external := map[string]bool{"bash": true, "browser_navigate": true}

	return Assessment{
		Action:                 summarizeAction(tool, input),
		Tool:                   tool,
		InputSummary:           summarizeInput(input),
		Level:                  level,
		IsReversible:           readOnly[tool],
		AffectsSourceOfTruth:   sourceOfTruth[tool],
		HasExternalSideEffects: external[tool],
		RequiresCheckpoint:     level >= Moderate,
		RequiresApproval:       level >= High,
		RequiresReview:         level >= High,
	}
}

func (c *Classifier) record(a Assessment) {
	c.mu.Lock()
	c.stats.TotalAssessments++
	c.stats.ByLevel[a.Level.String()]++
	if a.RequiresApproval {
		c.stats.ApprovalsRequired++
	}
	if a.RequiresCheckpoint {
		c.stats.CheckpointsRequired++
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	if a.Level >= High {
		logging.Risk("High-risk action: %s level=%s approval=%v", a.Action, a.Level, a.RequiresApproval)
	} else {
		logging.RiskDebug("Assessed %s: level=%s", a.Action, a.Level)
	}

	if c.store == nil {
		return
	}
	err := c.store.LogRiskAssessment(store.RiskAssessmentRow{
		SessionID:              sessionID,
		Action:                 a.Action,
		Tool:                   a.Tool,
		InputSummary:           a.InputSummary,
		RiskLevel:              int(a.Level),
		IsReversible:           a.IsReversible,
		AffectsSourceOfTruth:   a.AffectsSourceOfTruth,
		HasExternalSideEffects: a.HasExternalSideEffects,
		Concerns:               a.Concerns,
		RequiresApproval:       a.RequiresApproval,
		RequiresCheckpoint:     a.RequiresCheckpoint,
		RequiresReview:         a.RequiresReview,
		SuggestedMitigation:    a.SuggestedMitigation,
	})
	if err != nil {
		logging.Risk("Failed to log assessment: %v", err)
	}
}

// GetStats returns a copy of the in-memory counters.
func (c *Classifier) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.stats
	out.ByLevel = make(map[string]int, len(c.stats.ByLevel))
	for k, v := range c.stats.ByLevel {
		out.ByLevel[k] = v
	}
	return out
}

// HighRiskSummary aggregates persisted high-risk assessments.
type HighRiskSummary struct {
	TotalHighRisk       int
	ByTool              map[string]int
	ApprovalsRequired   int
	CheckpointsRequired int
	Concerns            []string
}

// GetHighRiskSummary summarizes recent assessments at HIGH or above.
func (c *Classifier) GetHighRiskSummary() (*HighRiskSummary, error) {
	if c.store == nil {
		return &HighRiskSummary{ByTool: map[string]int{}}, nil
	}
	rows, err := c.store.ListRiskAssessments(0, 100)
	if err != nil {
		return nil, err
	}

	out := &HighRiskSummary{ByTool: make(map[string]int)}
	seen := make(map[string]bool)
	for _, row := range rows {
		if Level(row.RiskLevel) < High {
			continue
		}
		out.TotalHighRisk++
		out.ByTool[row.Tool]++
		if row.RequiresApproval {
			out.ApprovalsRequired++
		}
		if row.RequiresCheckpoint {
			out.CheckpointsRequired++
		}
		for _, concern := range row.Concerns {
			if !seen[concern] && len(out.Concerns) < 10 {
				seen[concern] = true
				out.Concerns = append(out.Concerns, concern)
			}
		}
	}
	sort.Strings(out.Concerns)
	return out, nil
}

// FormatAssessment renders an assessment for display.
func FormatAssessment(a Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk Assessment: %s\n", a.Action)
	fmt.Fprintf(&b, "  Tool: %s\n", a.Tool)
	fmt.Fprintf(&b, "  Risk Level: %s (%d/5)\n", a.Level, int(a.Level))
	reversible := "Yes"
	if !a.IsReversible {
		reversible = "NO"
	}
	fmt.Fprintf(&b, "  Reversible: %s\n", reversible)

	if a.AffectsSourceOfTruth {
		b.WriteString("  Affects Source of Truth: YES\n")
	}
	if a.HasExternalSideEffects {
		b.WriteString("  External Side Effects: YES\n")
	}
	if len(a.Concerns) > 0 {
		b.WriteString("  Concerns:\n")
		for _, concern := range a.Concerns {
			fmt.Fprintf(&b, "    - %s\n", concern)
		}
	}
	if a.RequiresApproval {
		b.WriteString("  REQUIRES APPROVAL\n")
	}
	if a.RequiresCheckpoint {
		b.WriteString("  REQUIRES CHECKPOINT\n")
	}
	if a.SuggestedMitigation != "" {
		fmt.Fprintf(&b, "  Suggested: %s\n", a.SuggestedMitigation)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Classifier) hasPattern(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasPatternLocked(id)
}

func (c *Classifier) hasPatternLocked(id string) bool {
	for _, p := range c.patterns {
		if p.PatternID == id {
			return true
		}
	}
	return false
}

func patternFromRow(row store.RiskPatternRow) Pattern {
	return Pattern{
		PatternID:              row.PatternID,
		Description:            row.Description,
		Tool:                   row.Tool,
		InputPattern:           row.InputPattern,
		InputField:             row.InputField,
		Level:                  Level(row.RiskLevel),
		IsReversible:           row.IsReversible,
		AffectsSourceOfTruth:   row.AffectsSourceOfTruth,
		HasExternalSideEffects: row.HasExternalSideEffects,
		RequiresApproval:       row.RequiresApproval,
		RequiresCheckpoint:     row.RequiresCheckpoint,
		Mitigation:             row.Mitigation,
	}
}

func summarizeAction(tool string, input map[string]interface{}) string {
	switch {
	case tool == "write_file" && input["path"] != nil:
		return fmt.Sprintf("Write to %s", filepath.Base(fmt.Sprintf("%v", input["path"])))
	case tool == "edit_file" && input["path"] != nil:
		return fmt.Sprintf("Edit %s", filepath.Base(fmt.Sprintf("%v", input["path"])))
	case tool == "read_file" && input["path"] != nil:
		return fmt.Sprintf("Read %s", filepath.Base(fmt.Sprintf("%v", input["path"])))
	case tool == "bash" && input["command"] != nil:
		cmd := fmt.Sprintf("%v", input["command"])
		if len(cmd) > 50 {
			cmd = cmd[:50]
		}
		return fmt.Sprintf("Run: %s...", cmd)
	default:
		return tool + " operation"
	}
}

func summarizeInput(input map[string]interface{}) string {
	if len(input) == 0 {
		return "(no input)"
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 3 {
		keys = keys[:3]
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		value := fmt.Sprintf("%v", input[k])
		if len(value) > 50 {
			value = value[:50] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, value))
	}
	return strings.Join(parts, ", ")
}

// Package autonomy enforces graduated autonomy levels on agent actions,
// from read-only observation up to full independence, with dynamic
// demotion and promotion based on recent performance.
package autonomy

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Level is a graduated autonomy level. Each level includes the
// capabilities of lower levels.
type Level int

const (
	Observe       Level = 1 // read-only, can observe but not modify
	Plan          Level = 2 // can plan and suggest, requires approval for actions
	ExecuteSafe   Level = 3 // can execute pre-approved safe actions
	ExecuteReview Level = 4 // can execute all actions, human reviews after
	FullAuto      Level = 5 // full autonomy within security bounds
)

func (l Level) String() string {
	switch l {
	case Observe:
		return "OBSERVE"
	case Plan:
		return "PLAN"
	case ExecuteSafe:
		return "EXECUTE_SAFE"
	case ExecuteReview:
		return "EXECUTE_REVIEW"
	case FullAuto:
		return "FULL_AUTO"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel maps a config string to a level, defaulting to ExecuteSafe.
func ParseLevel(s string) Level {
	switch s {
	case "observe":
		return Observe
	case "plan":
		return Plan
	case "execute_safe":
		return ExecuteSafe
	case "execute_review":
		return ExecuteReview
	case "full_auto":
		return FullAuto
	default:
		return ExecuteSafe
	}
}

// Category groups tools for autonomy gating.
type Category string

const (
	CategoryRead          Category = "read"
	CategoryWrite         Category = "write"
	CategoryExecute       Category = "execute"
	CategoryFeatureModify Category = "feature_modify"
	CategoryExternal      Category = "external"
	CategoryDestructive   Category = "destructive"
)

var defaultActionCategories = map[string]Category{
	"read_file":       CategoryRead,
	"list_files":      CategoryRead,
	"write_file":      CategoryWrite,
	"edit_file":       CategoryWrite,
	"bash":            CategoryExecute,
	"feature_mark":    CategoryFeatureModify,
	"feature_skip":    CategoryFeatureModify,
	"feature_add":     CategoryFeatureModify,
	"feature_focus":   CategoryFeatureModify,
	"feature_block":   CategoryFeatureModify,
	"feature_unblock": CategoryFeatureModify,
	"feature_list":    CategoryRead,

	"hypothesis_create":       CategoryWrite,
	"hypothesis_add_evidence": CategoryWrite,
	"hypothesis_resolve":      CategoryWrite,
	"hypothesis_list":         CategoryRead,
	"hypothesis_show":         CategoryRead,
	"hypothesis_search":       CategoryRead,

	"browser_navigate":   CategoryExternal,
	"browser_screenshot": CategoryRead,
}

// Feature tools are how the agent records progress, so they carry the
// same bar as ordinary writes; the risk layer checkpoints them anyway.
var categoryRequiredLevels = map[Category]Level{
	CategoryRead:          Observe,
	CategoryWrite:         ExecuteSafe,
	CategoryExecute:       ExecuteSafe,
	CategoryFeatureModify: ExecuteSafe,
	CategoryExternal:      ExecuteSafe,
	CategoryDestructive:   FullAuto,
}

// Config holds autonomy management settings.
type Config struct {
	Level        Level
	ActionLevels map[string]Level // per-tool required-level overrides

	ConfidenceThreshold   float64 // below this, reduce effective level
	ErrorDemotionCount    int     // consecutive errors before demotion
	SuccessPromotionCount int     // consecutive successes before promotion

	AutoAdjust bool
	MinLevel   Level
	MaxLevel   Level
}

// DefaultConfig returns the standard autonomy configuration.
func DefaultConfig() Config {
	return Config{
		Level:                 ExecuteSafe,
		ActionLevels:          map[string]Level{},
		ConfidenceThreshold:   0.5,
		ErrorDemotionCount:    3,
		SuccessPromotionCount: 10,
		AutoAdjust:            true,
		MinLevel:              Observe,
		MaxLevel:              ExecuteReview,
	}
}

// Decision is the result of one permission check.
type Decision struct {
	Action         string
	Tool           string
	Allowed        bool
	RequiredLevel  Level
	CurrentLevel   Level
	EffectiveLevel Level
	Reason         string

	Alternatives       []string
	RequiresApproval   bool
	RequiresCheckpoint bool
	Confidence         *float64
}

// metrics tracks performance for dynamic adjustment.
type metrics struct {
	ConsecutiveSuccesses int
	ConsecutiveErrors    int
	TotalActions         int
	TotalErrors          int
	RecentOutcomes       []bool
	LevelChanges         []map[string]interface{}
}

const maxOutcomeHistory = 50

func (m *metrics) recordSuccess() {
	m.ConsecutiveSuccesses++
	m.ConsecutiveErrors = 0
	m.TotalActions++
	m.addOutcome(true)
}

func (m *metrics) recordError() {
	m.ConsecutiveErrors++
	m.ConsecutiveSuccesses = 0
	m.TotalActions++
	m.TotalErrors++
	m.addOutcome(false)
}

func (m *metrics) addOutcome(success bool) {
	m.RecentOutcomes = append(m.RecentOutcomes, success)
	if len(m.RecentOutcomes) > maxOutcomeHistory {
		m.RecentOutcomes = m.RecentOutcomes[1:]
	}
}

func (m *metrics) successRate() float64 {
	if len(m.RecentOutcomes) == 0 {
		return 1.0
	}
	var passed int
	for _, ok := range m.RecentOutcomes {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(m.RecentOutcomes))
}

// Checker determines the required level for a tool from its input.
type Checker func(input map[string]interface{}) Level

// Manager gates actions by autonomy level and adjusts the level based
// on outcomes. State persists in the project store.
type Manager struct {
	store     *store.ProjectStore
	sessionID int

	mu       sync.Mutex
	config   Config
	metrics  metrics
	checkers map[string]Checker
}

// NewManager loads persisted config and metrics, falling back to the
// given config (or DefaultConfig) on first run.
func NewManager(st *store.ProjectStore, cfg Config, sessionID int) (*Manager, error) {
	if cfg.MinLevel == 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		store:     st,
		sessionID: sessionID,
		config:    cfg,
		checkers:  make(map[string]Checker),
	}

	if st != nil {
		row, err := st.GetAutonomyConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load autonomy config: %w", err)
		}
		if row != nil {
			m.config = configFromRow(row)
		}
		metricsRow, err := st.GetAutonomyMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to load autonomy metrics: %w", err)
		}
		if metricsRow != nil {
			m.metrics = metrics{
				ConsecutiveSuccesses: metricsRow.ConsecutiveSuccesses,
				ConsecutiveErrors:    metricsRow.ConsecutiveErrors,
				TotalActions:         metricsRow.TotalActions,
				TotalErrors:          metricsRow.TotalErrors,
				RecentOutcomes:       metricsRow.RecentOutcomes,
				LevelChanges:         metricsRow.LevelChanges,
			}
		}
	}

	return m, nil
}

// SetSessionID updates the session stamped on logged decisions.
func (m *Manager) SetSessionID(sessionID int) {
	m.mu.Lock()
	m.sessionID = sessionID
	m.mu.Unlock()
}

// CurrentLevel returns the configured autonomy level.
func (m *Manager) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Level
}

// SetLevel changes the configured level and records the transition.
func (m *Manager) SetLevel(level Level, reason string) {
	m.mu.Lock()
	old := m.config.Level
	m.config.Level = level
	if old != level {
		m.metrics.LevelChanges = append(m.metrics.LevelChanges, map[string]interface{}{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"from_level": int(old),
			"to_level":   int(level),
			"reason":     reason,
		})
	}
	m.mu.Unlock()

	if old != level {
		logging.Autonomy("Level change %s -> %s: %s", old, level, reason)
	}
	m.persist()
}

// EffectiveLevel computes the level after confidence and performance
// adjustments. Pass a negative confidence to skip the confidence check.
func (m *Manager) EffectiveLevel(confidence float64) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLevelLocked(confidence)
}

func (m *Manager) effectiveLevelLocked(confidence float64) Level {
	base := m.config.Level

	if confidence >= 0 && confidence < m.config.ConfidenceThreshold {
		reduction := Level(1)
		if confidence < 0.3 {
			reduction = 2
		}
		adjusted := base - reduction
		if adjusted < m.config.MinLevel {
			adjusted = m.config.MinLevel
		}
		if adjusted < Observe {
			adjusted = Observe
		}
		return adjusted
	}

	if m.config.AutoAdjust && m.metrics.ConsecutiveErrors >= m.config.ErrorDemotionCount {
		adjusted := base - 1
		if adjusted < m.config.MinLevel {
			adjusted = m.config.MinLevel
		}
		if adjusted < Observe {
			adjusted = Observe
		}
		return adjusted
	}

	return base
}

// CheckAction decides whether an action is allowed at the current
// effective level. Pass a negative confidence when unknown.
func (m *Manager) CheckAction(tool string, input map[string]interface{}, confidence float64) Decision {
	if input == nil {
		input = map[string]interface{}{}
	}

	m.mu.Lock()
	required := m.requiredLevelLocked(tool, input)
	effective := m.effectiveLevelLocked(confidence)
	current := m.config.Level
	sessionID := m.sessionID
	m.mu.Unlock()

	allowed := effective >= required
	d := Decision{
		Action:         summarizeAction(tool, input),
		Tool:           tool,
		Allowed:        allowed,
		RequiredLevel:  required,
		CurrentLevel:   current,
		EffectiveLevel: effective,
		Reason:         buildReason(allowed, required, effective, tool),
	}
	if confidence >= 0 {
		c := confidence
		d.Confidence = &c
	}
	if !allowed {
		d.Alternatives = suggestAlternatives(tool, required)
		d.RequiresApproval = true
		d.RequiresCheckpoint = required >= ExecuteReview
		logging.Autonomy("Denied %s: %s", d.Action, d.Reason)
	} else {
		logging.AutonomyDebug("Allowed %s at %s", d.Action, effective)
	}

	if m.store != nil {
		err := m.store.LogAutonomyDecision(store.AutonomyDecisionRow{
			SessionID:          sessionID,
			Action:             d.Action,
			Tool:               d.Tool,
			Allowed:            d.Allowed,
			RequiredLevel:      int(d.RequiredLevel),
			CurrentLevel:       int(d.CurrentLevel),
			EffectiveLevel:     int(d.EffectiveLevel),
			Reason:             d.Reason,
			Alternatives:       d.Alternatives,
			RequiresApproval:   d.RequiresApproval,
			RequiresCheckpoint: d.RequiresCheckpoint,
			Confidence:         d.Confidence,
		})
		if err != nil {
			logging.Autonomy("Failed to log decision: %v", err)
		}
	}

	return d
}

// RegisterChecker installs a custom required-level checker for a tool.
func (m *Manager) RegisterChecker(tool string, checker Checker) {
	m.mu.Lock()
	m.checkers[tool] = checker
	m.mu.Unlock()
}

// RecordOutcome records an action result and applies auto-adjustment.
// Returns the new level when a change happened, zero otherwise.
func (m *Manager) RecordOutcome(success bool) Level {
	m.mu.Lock()
	if success {
		m.metrics.recordSuccess()
	} else {
		m.metrics.recordError()
	}

	var changed Level
	var reason string
	if m.config.AutoAdjust {
		current := m.config.Level
		if m.metrics.ConsecutiveErrors >= m.config.ErrorDemotionCount {
			next := current - 1
			if next < m.config.MinLevel {
				next = m.config.MinLevel
			}
			if next != current {
				changed = next
				reason = fmt.Sprintf("Demoted due to %d consecutive errors", m.metrics.ConsecutiveErrors)
			}
		} else if m.metrics.ConsecutiveSuccesses >= m.config.SuccessPromotionCount {
			next := current + 1
			if next > m.config.MaxLevel {
				next = m.config.MaxLevel
			}
			if next != current {
				changed = next
				reason = fmt.Sprintf("Promoted due to %d consecutive successes", m.metrics.ConsecutiveSuccesses)
				m.metrics.ConsecutiveSuccesses = 0
			}
		}
	}
	m.mu.Unlock()

	if changed != 0 {
		m.SetLevel(changed, reason)
	} else {
		m.persist()
	}
	return changed
}

// Status is a snapshot of the autonomy state for display.
type Status struct {
	ConfiguredLevel      Level
	EffectiveLevel       Level
	AutoAdjust           bool
	ConsecutiveSuccesses int
	ConsecutiveErrors    int
	SuccessRate          float64
	TotalActions         int
	MinLevel             Level
	MaxLevel             Level
}

// GetStatus reports the current autonomy state.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		ConfiguredLevel:      m.config.Level,
		EffectiveLevel:       m.effectiveLevelLocked(-1),
		AutoAdjust:           m.config.AutoAdjust,
		ConsecutiveSuccesses: m.metrics.ConsecutiveSuccesses,
		ConsecutiveErrors:    m.metrics.ConsecutiveErrors,
		SuccessRate:          m.metrics.successRate(),
		TotalActions:         m.metrics.TotalActions,
		MinLevel:             m.config.MinLevel,
		MaxLevel:             m.config.MaxLevel,
	}
}

// ResetMetrics clears the performance history.
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	m.metrics = metrics{}
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}

	m.mu.Lock()
	cfg := m.config
	met := m.metrics
	m.mu.Unlock()

	actionLevels := make(map[string]int, len(cfg.ActionLevels))
	for k, v := range cfg.ActionLevels {
		actionLevels[k] = int(v)
	}
	if err := m.store.SaveAutonomyConfig(store.AutonomyConfigRow{
		Level:                 int(cfg.Level),
		ActionLevels:          actionLevels,
		ConfidenceThreshold:   cfg.ConfidenceThreshold,
		ErrorDemotionCount:    cfg.ErrorDemotionCount,
		SuccessPromotionCount: cfg.SuccessPromotionCount,
		AutoAdjust:            cfg.AutoAdjust,
		MinLevel:              int(cfg.MinLevel),
		MaxLevel:              int(cfg.MaxLevel),
	}); err != nil {
		logging.Autonomy("Failed to save config: %v", err)
	}
	if err := m.store.SaveAutonomyMetrics(store.AutonomyMetricsRow{
		ConsecutiveSuccesses: met.ConsecutiveSuccesses,
		ConsecutiveErrors:    met.ConsecutiveErrors,
		TotalActions:         met.TotalActions,
		TotalErrors:          met.TotalErrors,
		RecentOutcomes:       met.RecentOutcomes,
		LevelChanges:         met.LevelChanges,
	}); err != nil {
		logging.Autonomy("Failed to save metrics: %v", err)
	}
}

func (m *Manager) requiredLevelLocked(tool string, input map[string]interface{}) Level {
	if override, ok := m.config.ActionLevels[tool]; ok {
		return override
	}
	if checker, ok := m.checkers[tool]; ok {
		return checker(input)
	}
	category, ok := defaultActionCategories[tool]
	if !ok {
		category = CategoryExecute
	}
	required, ok := categoryRequiredLevels[category]
	if !ok {
		return ExecuteSafe
	}
	return required
}

func configFromRow(row *store.AutonomyConfigRow) Config {
	cfg := Config{
		Level:                 Level(row.Level),
		ActionLevels:          make(map[string]Level, len(row.ActionLevels)),
		ConfidenceThreshold:   row.ConfidenceThreshold,
		ErrorDemotionCount:    row.ErrorDemotionCount,
		SuccessPromotionCount: row.SuccessPromotionCount,
		AutoAdjust:            row.AutoAdjust,
		MinLevel:              Level(row.MinLevel),
		MaxLevel:              Level(row.MaxLevel),
	}
	for k, v := range row.ActionLevels {
		cfg.ActionLevels[k] = Level(v)
	}
	return cfg
}

func buildReason(allowed bool, required, effective Level, tool string) string {
	if allowed {
		return fmt.Sprintf("Action allowed: %s requires level %s (current effective: %s)", tool, required, effective)
	}
	return fmt.Sprintf("Action denied: %s requires level %s but effective level is %s", tool, required, effective)
}

func suggestAlternatives(tool string, required Level) []string {
	var out []string
	if required == FullAuto {
		out = append(out, "Request human approval for this action")
		out = append(out, "Create a checkpoint before proceeding")
	}
	if required >= ExecuteReview {
		out = append(out, "Queue action for human review")
		out = append(out, fmt.Sprintf("Temporarily elevate to level %s", required))
	}
	if tool == "write_file" || tool == "edit_file" {
		out = append(out, "Use read_file to review current state first")
	}
	if tool == "bash" {
		out = append(out, "Use a safer alternative command")
		out = append(out, "Request approval for command execution")
	}
	return out
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
	case tool == "feature_mark" && input["index"] != nil:
		return fmt.Sprintf("Mark feature #%v as passing", input["index"])
	default:
		return tool + " operation"
	}
}

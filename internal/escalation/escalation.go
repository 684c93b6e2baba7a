// Package escalation decides when the agent must hand a situation to a
// human. Rules are evaluated against a context snapshot; the highest
// severity match wins and becomes an injection point.
package escalation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Injection types the engine can request. Mirrored from the human
// interface so the two packages stay decoupled.
const (
	InjectDecision = "decision" // choose between options
	InjectApproval = "approval" // yes/no for risky action
	InjectGuidance = "guidance" // free-form input needed
	InjectReview   = "review"   // human should review output
	InjectRedirect = "redirect" // change goals or direction
)

// Rule defines one condition that escalates to a human when it matches.
type Rule struct {
	RuleID      string
	Name        string
	Description string

	ConditionType   string
	ConditionParams map[string]interface{}

	Severity         int // 1-5, 5 highest
	InjectionType    string
	MessageTemplate  string
	SuggestedActions []string

	AutoPause      bool
	TimeoutSeconds int
	DefaultAction  string // empty means wait for human indefinitely
}

// Context carries the situation being evaluated.
type Context struct {
	Confidence float64

	FeatureIndex        *int
	ConsecutiveFailures int
	PreviouslyPassing   bool
	CurrentlyPassing    bool

	Action               string
	IsIrreversible       bool
	AffectsSourceOfTruth bool

	ErrorMessage string
	ErrorCount   int

	DecisionType      string
	AlternativesCount int

	Custom map[string]interface{}
}

// NewContext returns a context with neutral defaults: full confidence
// and currently passing.
func NewContext() Context {
	return Context{Confidence: 1.0, CurrentlyPassing: true}
}

func (c Context) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"confidence":              c.Confidence,
		"consecutive_failures":    c.ConsecutiveFailures,
		"previously_passing":      c.PreviouslyPassing,
		"currently_passing":       c.CurrentlyPassing,
		"action":                  c.Action,
		"is_irreversible":         c.IsIrreversible,
		"affects_source_of_truth": c.AffectsSourceOfTruth,
		"error_message":           c.ErrorMessage,
		"error_count":             c.ErrorCount,
		"decision_type":           c.DecisionType,
		"alternatives_count":      c.AlternativesCount,
	}
	if c.FeatureIndex != nil {
		m["feature_index"] = *c.FeatureIndex
	}
	for k, v := range c.Custom {
		m[k] = v
	}
	return m
}

// Result is a triggered escalation.
type Result struct {
	Rule              Rule
	Context           map[string]interface{}
	Timestamp         time.Time
	Message           string
	RecommendedAction string
}

func defaultRules() []Rule {
	return []Rule{
		{
			RuleID:           "low_confidence",
			Name:             "Low Confidence Decision",
			Description:      "Agent confidence is below 50% for a decision",
			ConditionType:    "threshold_below",
			ConditionParams:  map[string]interface{}{"field": "confidence", "threshold": 0.5},
			Severity:         3,
			InjectionType:    InjectDecision,
			MessageTemplate:  "Agent confidence is {confidence:.0%} for: {decision_type}",
			SuggestedActions: []string{"Approve agent choice", "Select alternative", "Provide guidance"},
			TimeoutSeconds:   300,
			DefaultAction:    "Approve agent choice",
		},
		{
			RuleID:           "very_low_confidence",
			Name:             "Very Low Confidence Decision",
			Description:      "Agent confidence is below 30%",
			ConditionType:    "threshold_below",
			ConditionParams:  map[string]interface{}{"field": "confidence", "threshold": 0.3},
			Severity:         4,
			InjectionType:    InjectGuidance,
			MessageTemplate:  "Agent confidence is very low ({confidence:.0%}). Context: {action}",
			SuggestedActions: []string{"Provide guidance", "Take over manually", "Skip this task"},
			AutoPause:        true,
			TimeoutSeconds:   600,
		},
		{
			RuleID:           "feature_regression",
			Name:             "Feature Regression Detected",
			Description:      "A previously passing feature is now failing",
			ConditionType:    "regression",
			ConditionParams:  map[string]interface{}{},
			Severity:         4,
			InjectionType:    InjectReview,
			MessageTemplate:  "Feature #{feature_index} regressed from passing to failing",
			SuggestedActions: []string{"Investigate", "Rollback to checkpoint", "Accept regression"},
			AutoPause:        true,
			TimeoutSeconds:   600,
			DefaultAction:    "Investigate",
		},
		{
			RuleID:           "multiple_failures",
			Name:             "Multiple Consecutive Failures",
			Description:      "Agent has failed 3+ times on the same feature",
			ConditionType:    "threshold_above",
			ConditionParams:  map[string]interface{}{"field": "consecutive_failures", "threshold": 3},
			Severity:         4,
			InjectionType:    InjectGuidance,
			MessageTemplate:  "Agent has failed {consecutive_failures} times on feature #{feature_index}",
			SuggestedActions: []string{"Skip feature", "Provide hints", "Take over manually"},
			AutoPause:        true,
			TimeoutSeconds:   600,
			DefaultAction:    "Skip feature",
		},
		{
			RuleID:           "many_failures",
			Name:             "Many Consecutive Failures",
			Description:      "Agent has failed 5+ times - serious stuck state",
			ConditionType:    "threshold_above",
			ConditionParams:  map[string]interface{}{"field": "consecutive_failures", "threshold": 5},
			Severity:         5,
			InjectionType:    InjectRedirect,
			MessageTemplate:  "Agent stuck: {consecutive_failures} failures on feature #{feature_index}",
			SuggestedActions: []string{"Skip feature", "Change approach", "Abort session"},
			AutoPause:        true,
			TimeoutSeconds:   900,
		},
		{
			RuleID:           "irreversible_action",
			Name:             "Irreversible Action Requested",
			Description:      "Agent wants to perform an action that cannot be undone",
			ConditionType:    "equals",
			ConditionParams:  map[string]interface{}{"field": "is_irreversible", "value": true},
			Severity:         5,
			InjectionType:    InjectApproval,
			MessageTemplate:  "Agent wants to perform irreversible action: {action}",
			SuggestedActions: []string{"Approve", "Deny", "Request checkpoint first"},
			AutoPause:        true,
			TimeoutSeconds:   600,
			DefaultAction:    "Deny",
		},
		{
			RuleID:           "source_of_truth_change",
			Name:             "Source of Truth Modification",
			Description:      "Agent wants to modify the feature database or other source of truth",
			ConditionType:    "equals",
			ConditionParams:  map[string]interface{}{"field": "affects_source_of_truth", "value": true},
			Severity:         3,
			InjectionType:    InjectApproval,
			MessageTemplate:  "Agent wants to modify source of truth: {action}",
			SuggestedActions: []string{"Approve", "Deny", "Review first"},
			TimeoutSeconds:   300,
			DefaultAction:    "Approve",
		},
		{
			RuleID:           "repeated_errors",
			Name:             "Repeated Errors",
			Description:      "Same type of error occurring multiple times",
			ConditionType:    "threshold_above",
			ConditionParams:  map[string]interface{}{"field": "error_count", "threshold": 3},
			Severity:         3,
			InjectionType:    InjectReview,
			MessageTemplate:  "Error occurring repeatedly ({error_count} times): {error_message}",
			SuggestedActions: []string{"Investigate error", "Skip task", "Change approach"},
			TimeoutSeconds:   300,
			DefaultAction:    "Investigate error",
		},
	}
}

// Condition is a caller-registered predicate for rules with
// condition_type "custom"; the rule names it in params["function"].
type Condition func(ctx, params map[string]interface{}) bool

// Engine evaluates escalation rules against contexts and logs matches.
type Engine struct {
	store     *store.ProjectStore
	sessionID int

	mu         sync.Mutex
	rules      []Rule
	conditions map[string]Condition
}

// NewEngine builds an engine with the default rules plus enabled custom
// rules from the store. Custom rules replace defaults with the same ID.
func NewEngine(st *store.ProjectStore, sessionID int) (*Engine, error) {
	e := &Engine{
		store:      st,
		sessionID:  sessionID,
		rules:      defaultRules(),
		conditions: make(map[string]Condition),
	}

	if st != nil {
		rows, err := st.ListEscalationRules()
		if err != nil {
			return nil, fmt.Errorf("failed to load custom escalation rules: %w", err)
		}
		for _, row := range rows {
			if !row.IsEnabled {
				continue
			}
			e.replaceRuleLocked(ruleFromRow(row))
		}
	}

	e.sortRules()
	return e, nil
}

// SetSessionID updates the session stamped on logged escalations.
func (e *Engine) SetSessionID(sessionID int) {
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
}

// Evaluate checks the context against all rules and returns the highest
// severity match, or nil when nothing triggers.
func (e *Engine) Evaluate(ctx Context) *Result {
	matches := e.EvaluateAll(ctx)
	if len(matches) == 0 {
		return nil
	}
	return &matches[0]
}

// EvaluateAll returns every matching rule, highest severity first.
func (e *Engine) EvaluateAll(ctx Context) []Result {
	ctxMap := ctx.toMap()

	e.mu.Lock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	sessionID := e.sessionID
	e.mu.Unlock()

	var matches []Result
	for _, rule := range rules {
		if !e.evalCondition(rule, ctxMap) {
			continue
		}
		r := Result{
			Rule:              rule,
			Context:           ctxMap,
			Timestamp:         time.Now().UTC(),
			Message:           formatMessage(rule.MessageTemplate, ctxMap),
			RecommendedAction: "Review",
		}
		if len(rule.SuggestedActions) > 0 {
			r.RecommendedAction = rule.SuggestedActions[0]
		}
		matches = append(matches, r)

		logging.Escalation("Rule %s triggered (severity %d): %s", rule.RuleID, rule.Severity, r.Message)
		e.logResult(sessionID, r)
	}
	return matches
}

// RegisterCondition installs a named predicate usable by rules with
// condition_type "custom".
func (e *Engine) RegisterCondition(name string, cond Condition) {
	e.mu.Lock()
	e.conditions[name] = cond
	e.mu.Unlock()
}

// AddRule registers a custom rule, replacing any rule with the same ID,
// and persists it.
func (e *Engine) AddRule(r Rule) error {
	e.mu.Lock()
	e.replaceRuleLocked(r)
	e.sortRules()
	e.mu.Unlock()

	if e.store == nil {
		return nil
	}
	return e.store.UpsertEscalationRule(store.EscalationRuleRow{
		RuleID:           r.RuleID,
		Name:             r.Name,
		Description:      r.Description,
		ConditionType:    r.ConditionType,
		ConditionParams:  r.ConditionParams,
		Severity:         r.Severity,
		InjectionType:    r.InjectionType,
		MessageTemplate:  r.MessageTemplate,
		SuggestedActions: r.SuggestedActions,
		AutoPause:        r.AutoPause,
		TimeoutSeconds:   r.TimeoutSeconds,
		DefaultAction:    r.DefaultAction,
		IsCustom:         true,
		IsEnabled:        true,
	})
}

// RemoveRule drops a rule from the engine. Custom rules are soft
// disabled in the store.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	before := len(e.rules)
	kept := e.rules[:0]
	for _, r := range e.rules {
		if r.RuleID != ruleID {
			kept = append(kept, r)
		}
	}
	e.rules = kept
	removed := len(e.rules) < before
	e.mu.Unlock()

	if removed && e.store != nil {
		row := store.EscalationRuleRow{RuleID: ruleID, IsCustom: true, IsEnabled: false}
		if err := e.store.UpsertEscalationRule(row); err != nil {
			logging.EscalationWarn("Failed to disable rule %s: %v", ruleID, err)
		}
	}
	return removed
}

// GetRules returns all active rules, highest severity first.
func (e *Engine) GetRules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// GetRule returns a rule by ID, or nil.
func (e *Engine) GetRule(ruleID string) *Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.RuleID == ruleID {
			rule := r
			return &rule
		}
	}
	return nil
}

// Stats summarizes logged escalations.
type Stats struct {
	TotalEscalations int
	ByRule           map[string]int
	BySeverity       map[int]int
}

// GetStats aggregates the escalation log.
func (e *Engine) GetStats() (*Stats, error) {
	out := &Stats{ByRule: map[string]int{}, BySeverity: map[int]int{}}
	if e.store == nil {
		return out, nil
	}
	logs, err := e.store.ListEscalationLogs(1000)
	if err != nil {
		return nil, err
	}
	out.TotalEscalations = len(logs)
	for _, l := range logs {
		out.ByRule[l.RuleID]++
		out.BySeverity[l.Severity]++
	}
	return out, nil
}

func (e *Engine) logResult(sessionID int, r Result) {
	if e.store == nil {
		return
	}
	summary := map[string]interface{}{}
	for _, key := range []string{"confidence", "feature_index", "consecutive_failures", "action", "error_message"} {
		if v, ok := r.Context[key]; ok {
			summary[key] = v
		}
	}
	err := e.store.LogEscalation(store.EscalationLogRow{
		SessionID:      sessionID,
		RuleID:         r.Rule.RuleID,
		Severity:       r.Rule.Severity,
		Message:        r.Message,
		ContextSummary: summary,
	})
	if err != nil {
		logging.EscalationWarn("Failed to log escalation: %v", err)
	}
}

func (e *Engine) replaceRuleLocked(rule Rule) {
	for i, r := range e.rules {
		if r.RuleID == rule.RuleID {
			e.rules[i] = rule
			return
		}
	}
	e.rules = append(e.rules, rule)
}

func (e *Engine) sortRules() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Severity > e.rules[j].Severity
	})
}

func (e *Engine) evalCondition(rule Rule, ctx map[string]interface{}) bool {
	params := rule.ConditionParams

	switch rule.ConditionType {
	case "threshold_below":
		value, ok := toFloat(ctx[asString(params["field"])])
		if !ok {
			value = 1.0
		}
		threshold, _ := toFloat(params["threshold"])
		return value < threshold

	case "threshold_above":
		value, _ := toFloat(ctx[asString(params["field"])])
		threshold, _ := toFloat(params["threshold"])
		return value >= threshold

	case "equals":
		return equalValues(ctx[asString(params["field"])], params["value"])

	case "not_equals":
		return !equalValues(ctx[asString(params["field"])], params["value"])

	case "regression":
		prev, _ := ctx["previously_passing"].(bool)
		curr, ok := ctx["currently_passing"].(bool)
		if !ok {
			curr = true
		}
		return prev && !curr

	case "contains":
		value := strings.ToLower(asString(ctx[asString(params["field"])]))
		substring := strings.ToLower(asString(params["substring"]))
		return substring != "" && strings.Contains(value, substring)

	case "custom":
		e.mu.Lock()
		cond, ok := e.conditions[asString(params["function"])]
		e.mu.Unlock()
		if !ok {
			return false
		}
		return cond(ctx, params)
	}

	return false
}

// formatMessage substitutes {field} and {field:.0%} placeholders.
func formatMessage(template string, ctx map[string]interface{}) string {
	out := template
	for key, value := range ctx {
		if f, ok := toFloat(value); ok {
			out = strings.ReplaceAll(out, "{"+key+":.0%}", fmt.Sprintf("%.0f%%", f*100))
		}
		out = strings.ReplaceAll(out, "{"+key+"}", asString(value))
	}
	return out
}

func ruleFromRow(row store.EscalationRuleRow) Rule {
	return Rule{
		RuleID:           row.RuleID,
		Name:             row.Name,
		Description:      row.Description,
		ConditionType:    row.ConditionType,
		ConditionParams:  row.ConditionParams,
		Severity:         row.Severity,
		InjectionType:    row.InjectionType,
		MessageTemplate:  row.MessageTemplate,
		SuggestedActions: row.SuggestedActions,
		AutoPause:        row.AutoPause,
		TimeoutSeconds:   row.TimeoutSeconds,
		DefaultAction:    row.DefaultAction,
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func equalValues(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asString(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

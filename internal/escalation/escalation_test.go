package escalation

import (
	"strings"
	"testing"

	"arcadiaforge/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.ProjectStore) {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e, err := NewEngine(st, 1)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e, st
}

func TestNoEscalationForCleanContext(t *testing.T) {
	e, _ := newTestEngine(t)

	if r := e.Evaluate(NewContext()); r != nil {
		t.Errorf("expected no escalation for clean context, got %s", r.Rule.RuleID)
	}
}

func TestLowConfidenceTriggers(t *testing.T) {
	e, _ := newTestEngine(t)

	ctx := NewContext()
	ctx.Confidence = 0.4
	ctx.DecisionType = "implementation_approach"

	r := e.Evaluate(ctx)
	if r == nil {
		t.Fatal("expected escalation for low confidence")
	}
	if r.Rule.RuleID != "low_confidence" {
		t.Errorf("expected low_confidence rule, got %s", r.Rule.RuleID)
	}
	if !strings.Contains(r.Message, "40%") {
		t.Errorf("expected formatted confidence in message, got %q", r.Message)
	}
	if r.RecommendedAction != "Approve agent choice" {
		t.Errorf("unexpected recommended action: %s", r.RecommendedAction)
	}
}

func TestVeryLowConfidenceWinsBySeverity(t *testing.T) {
	e, _ := newTestEngine(t)

	ctx := NewContext()
	ctx.Confidence = 0.2
	ctx.Action = "refactor auth module"

	// Both confidence rules match; severity 4 beats severity 3.
	r := e.Evaluate(ctx)
	if r == nil {
		t.Fatal("expected escalation")
	}
	if r.Rule.RuleID != "very_low_confidence" {
		t.Errorf("expected very_low_confidence first, got %s", r.Rule.RuleID)
	}
	if !r.Rule.AutoPause {
		t.Error("very low confidence should auto-pause")
	}
	if r.Rule.DefaultAction != "" {
		t.Error("very low confidence has no default, must wait for human")
	}

	all := e.EvaluateAll(ctx)
	if len(all) != 2 {
		t.Errorf("expected both confidence rules to match, got %d", len(all))
	}
}

func TestRegressionRule(t *testing.T) {
	e, _ := newTestEngine(t)

	idx := 7
	ctx := NewContext()
	ctx.FeatureIndex = &idx
	ctx.PreviouslyPassing = true
	ctx.CurrentlyPassing = false

	r := e.Evaluate(ctx)
	if r == nil {
		t.Fatal("expected regression escalation")
	}
	if r.Rule.RuleID != "feature_regression" {
		t.Errorf("expected feature_regression, got %s", r.Rule.RuleID)
	}
	if !strings.Contains(r.Message, "#7") {
		t.Errorf("expected feature index in message, got %q", r.Message)
	}
}

func TestFailureThresholds(t *testing.T) {
	e, _ := newTestEngine(t)

	idx := 2
	ctx := NewContext()
	ctx.FeatureIndex = &idx
	ctx.ConsecutiveFailures = 3

	r := e.Evaluate(ctx)
	if r == nil || r.Rule.RuleID != "multiple_failures" {
		t.Fatalf("expected multiple_failures at 3, got %+v", r)
	}

	ctx.ConsecutiveFailures = 5
	r = e.Evaluate(ctx)
	if r == nil || r.Rule.RuleID != "many_failures" {
		t.Fatalf("expected many_failures at 5, got %+v", r)
	}
	if r.Rule.Severity != 5 {
		t.Errorf("many_failures should be severity 5, got %d", r.Rule.Severity)
	}
}

func TestIrreversibleActionDefaultsToDeny(t *testing.T) {
	e, _ := newTestEngine(t)

	ctx := NewContext()
	ctx.IsIrreversible = true
	ctx.Action = "git push --force"

	r := e.Evaluate(ctx)
	if r == nil || r.Rule.RuleID != "irreversible_action" {
		t.Fatalf("expected irreversible_action, got %+v", r)
	}
	if r.Rule.DefaultAction != "Deny" {
		t.Errorf("irreversible actions default to Deny, got %s", r.Rule.DefaultAction)
	}
	if r.Rule.InjectionType != InjectApproval {
		t.Errorf("expected approval injection, got %s", r.Rule.InjectionType)
	}
}

func TestCustomRulePersistsAndOverrides(t *testing.T) {
	e, st := newTestEngine(t)

	err := e.AddRule(Rule{
		RuleID:           "budget_warning",
		Name:             "Budget Warning",
		Description:      "Cost is approaching the configured budget",
		ConditionType:    "threshold_above",
		ConditionParams:  map[string]interface{}{"field": "budget_used_ratio", "threshold": 0.8},
		Severity:         4,
		InjectionType:    InjectDecision,
		MessageTemplate:  "Budget usage at {budget_used_ratio}",
		SuggestedActions: []string{"Continue", "Stop agent"},
		TimeoutSeconds:   300,
		DefaultAction:    "Continue",
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	ctx := NewContext()
	ctx.Custom = map[string]interface{}{"budget_used_ratio": 0.9}
	r := e.Evaluate(ctx)
	if r == nil || r.Rule.RuleID != "budget_warning" {
		t.Fatalf("expected budget_warning, got %+v", r)
	}

	// A fresh engine loads the custom rule from the store.
	e2, err := NewEngine(st, 2)
	if err != nil {
		t.Fatalf("second NewEngine failed: %v", err)
	}
	if e2.GetRule("budget_warning") == nil {
		t.Error("expected custom rule to persist")
	}
}

func TestCustomConditionFunction(t *testing.T) {
	e, _ := newTestEngine(t)

	e.RegisterCondition("weekend_freeze", func(ctx, params map[string]interface{}) bool {
		frozen, _ := ctx["deploy_frozen"].(bool)
		return frozen
	})
	err := e.AddRule(Rule{
		RuleID:          "deploy_freeze",
		Name:            "Deploy Freeze Active",
		ConditionType:   "custom",
		ConditionParams: map[string]interface{}{"function": "weekend_freeze"},
		Severity:        4,
		InjectionType:   InjectApproval,
		MessageTemplate: "Deploys are frozen; action needs sign-off",
		TimeoutSeconds:  300,
		DefaultAction:   "Deny",
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	ctx := NewContext()
	if r := e.Evaluate(ctx); r != nil {
		t.Errorf("expected no match without the flag, got %s", r.Rule.RuleID)
	}
	ctx.Custom = map[string]interface{}{"deploy_frozen": true}
	r := e.Evaluate(ctx)
	if r == nil || r.Rule.RuleID != "deploy_freeze" {
		t.Fatalf("expected deploy_freeze, got %+v", r)
	}

	// A rule naming an unregistered function never fires.
	e.AddRule(Rule{
		RuleID:          "ghost",
		Name:            "Ghost",
		ConditionType:   "custom",
		ConditionParams: map[string]interface{}{"function": "nope"},
		Severity:        5,
	})
	if r := e.Evaluate(ctx); r != nil && r.Rule.RuleID == "ghost" {
		t.Error("unregistered custom condition must not match")
	}
}

func TestRemoveRule(t *testing.T) {
	e, _ := newTestEngine(t)

	if !e.RemoveRule("repeated_errors") {
		t.Fatal("expected rule removal to succeed")
	}
	if e.RemoveRule("repeated_errors") {
		t.Error("removing a missing rule should return false")
	}

	ctx := NewContext()
	ctx.ErrorCount = 10
	ctx.ErrorMessage = "database is locked"
	if r := e.Evaluate(ctx); r != nil {
		t.Errorf("removed rule should not trigger, got %s", r.Rule.RuleID)
	}
}

func TestEscalationsAreLogged(t *testing.T) {
	e, st := newTestEngine(t)

	ctx := NewContext()
	ctx.ConsecutiveFailures = 3
	e.Evaluate(ctx)

	logs, err := st.ListEscalationLogs(10)
	if err != nil {
		t.Fatalf("ListEscalationLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].RuleID != "multiple_failures" {
		t.Fatalf("unexpected logs: %+v", logs)
	}

	stats, err := e.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TotalEscalations != 1 || stats.BySeverity[4] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

package autonomy

import (
	"strings"
	"testing"

	"arcadiaforge/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.ProjectStore) {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m, err := NewManager(st, DefaultConfig(), 1)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, st
}

func TestCheckActionByCategory(t *testing.T) {
	m, _ := newTestManager(t)

	// Default level EXECUTE_SAFE allows reads, writes, execution, and
	// feature bookkeeping.
	for _, tool := range []string{"read_file", "write_file", "bash", "feature_mark"} {
		d := m.CheckAction(tool, nil, -1)
		if !d.Allowed {
			t.Errorf("expected %s allowed at EXECUTE_SAFE: %s", tool, d.Reason)
		}
	}

	// A registered checker can raise the bar for specific calls.
	m.RegisterChecker("bash", func(input map[string]interface{}) Level {
		if cmd, _ := input["command"].(string); strings.Contains(cmd, "--force") {
			return FullAuto
		}
		return ExecuteSafe
	})
	d := m.CheckAction("bash", map[string]interface{}{"command": "git push --force"}, -1)
	if d.Allowed {
		t.Error("expected force push denied at EXECUTE_SAFE")
	}
	if !d.RequiresApproval {
		t.Error("denied action should require approval")
	}
	if !d.RequiresCheckpoint {
		t.Error("FULL_AUTO actions should require a checkpoint when denied")
	}
	if len(d.Alternatives) == 0 {
		t.Error("denied action should suggest alternatives")
	}
}

func TestObserveLevelDeniesWrites(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetLevel(Observe, "test")

	if d := m.CheckAction("read_file", nil, -1); !d.Allowed {
		t.Error("reads should be allowed at OBSERVE")
	}
	if d := m.CheckAction("write_file", nil, -1); d.Allowed {
		t.Error("writes should be denied at OBSERVE")
	}
}

func TestLowConfidenceReducesEffectiveLevel(t *testing.T) {
	m, _ := newTestManager(t)

	if got := m.EffectiveLevel(0.9); got != ExecuteSafe {
		t.Errorf("high confidence should keep base level, got %s", got)
	}
	// Below threshold but above 0.3: one level down.
	if got := m.EffectiveLevel(0.4); got != Plan {
		t.Errorf("expected PLAN at confidence 0.4, got %s", got)
	}
	// Very low confidence: two levels down.
	if got := m.EffectiveLevel(0.1); got != Observe {
		t.Errorf("expected OBSERVE at confidence 0.1, got %s", got)
	}
}

func TestConsecutiveErrorsDemote(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 2; i++ {
		if changed := m.RecordOutcome(false); changed != 0 {
			t.Errorf("no demotion expected after %d errors", i+1)
		}
	}
	changed := m.RecordOutcome(false)
	if changed != Plan {
		t.Errorf("expected demotion to PLAN after 3 errors, got %v", changed)
	}
	if m.CurrentLevel() != Plan {
		t.Errorf("expected current level PLAN, got %s", m.CurrentLevel())
	}
}

func TestConsecutiveSuccessesPromote(t *testing.T) {
	m, _ := newTestManager(t)

	var changed Level
	for i := 0; i < 10; i++ {
		changed = m.RecordOutcome(true)
	}
	if changed != ExecuteReview {
		t.Errorf("expected promotion to EXECUTE_REVIEW, got %v", changed)
	}

	// Promotion is capped at MaxLevel.
	for i := 0; i < 10; i++ {
		changed = m.RecordOutcome(true)
	}
	if changed != 0 {
		t.Errorf("expected no promotion past MaxLevel, got %v", changed)
	}
	if m.CurrentLevel() != ExecuteReview {
		t.Errorf("expected level capped at EXECUTE_REVIEW, got %s", m.CurrentLevel())
	}
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	m, _ := newTestManager(t)

	m.RecordOutcome(false)
	m.RecordOutcome(false)
	m.RecordOutcome(true)
	if changed := m.RecordOutcome(false); changed != 0 {
		t.Error("error streak should have been reset by the success")
	}
	if m.CurrentLevel() != ExecuteSafe {
		t.Errorf("expected level unchanged, got %s", m.CurrentLevel())
	}
}

func TestStatePersistsAcrossManagers(t *testing.T) {
	m, st := newTestManager(t)

	m.SetLevel(ExecuteReview, "manual elevation")
	m.RecordOutcome(true)
	m.RecordOutcome(false)

	m2, err := NewManager(st, DefaultConfig(), 2)
	if err != nil {
		t.Fatalf("second NewManager failed: %v", err)
	}
	if m2.CurrentLevel() != ExecuteReview {
		t.Errorf("expected persisted level EXECUTE_REVIEW, got %s", m2.CurrentLevel())
	}
	status := m2.GetStatus()
	if status.TotalActions != 2 {
		t.Errorf("expected 2 persisted actions, got %d", status.TotalActions)
	}
	if status.ConsecutiveErrors != 1 {
		t.Errorf("expected 1 consecutive error, got %d", status.ConsecutiveErrors)
	}
}

func TestCustomCheckerAndOverride(t *testing.T) {
	m, _ := newTestManager(t)

	m.RegisterChecker("deploy", func(input map[string]interface{}) Level {
		return FullAuto
	})
	if d := m.CheckAction("deploy", nil, -1); d.Allowed {
		t.Error("expected deploy denied: requires FULL_AUTO")
	}

	// Config override takes precedence over the checker.
	m.mu.Lock()
	m.config.ActionLevels["deploy"] = Observe
	m.mu.Unlock()
	if d := m.CheckAction("deploy", nil, -1); !d.Allowed {
		t.Error("expected override to allow deploy")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("full_auto") != FullAuto {
		t.Error("full_auto should parse")
	}
	if ParseLevel("nonsense") != ExecuteSafe {
		t.Error("unknown strings default to EXECUTE_SAFE")
	}
}

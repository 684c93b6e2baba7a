package risk

import (
	"testing"

	"arcadiaforge/internal/store"
)

func newTestClassifier(t *testing.T) (*Classifier, *store.ProjectStore) {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := NewClassifier(st, 1)
	if err != nil {
		t.Fatalf("NewClassifier failed: %v", err)
	}
	return c, st
}

func TestAssessReadIsMinimal(t *testing.T) {
	c, _ := newTestClassifier(t)

	a := c.Assess("read_file", map[string]interface{}{"path": "/tmp/main.go"})
	if a.Level != Minimal {
		t.Errorf("expected MINIMAL for read_file, got %s", a.Level)
	}
	if !a.IsReversible {
		t.Error("read should be reversible")
	}
	if a.RequiresApproval || a.RequiresCheckpoint {
		t.Error("read should not be gated")
	}
}

func TestAssessMatchesGitForcePush(t *testing.T) {
	c, _ := newTestClassifier(t)

	a := c.Assess("bash", map[string]interface{}{"command": "git push --force origin main"})
	if a.Level != Critical {
		t.Errorf("expected CRITICAL for force push, got %s", a.Level)
	}
	if !a.RequiresApproval {
		t.Error("force push should require approval")
	}
	if !a.HasExternalSideEffects {
		t.Error("force push has external side effects")
	}
	if !a.RequiresReview {
		t.Error("critical actions require review")
	}
}

func TestAssessTakesHighestMatchedLevel(t *testing.T) {
	c, _ := newTestClassifier(t)

	// Matches both rm_recursive (HIGH) and rm_force (MODERATE).
	a := c.Assess("bash", map[string]interface{}{"command": "rm -rf build/"})
	if a.Level != High {
		t.Errorf("expected HIGH, got %s", a.Level)
	}
	if len(a.Concerns) < 2 {
		t.Errorf("expected concerns from both patterns, got %v", a.Concerns)
	}
	if a.IsReversible {
		t.Error("recursive deletion is not reversible")
	}
}

func TestAssessUnknownToolDefaultsModerate(t *testing.T) {
	c, _ := newTestClassifier(t)

	a := c.Assess("SomeNewTool", nil)
	if a.Level != Moderate {
		t.Errorf("expected MODERATE default, got %s", a.Level)
	}
	if !a.RequiresCheckpoint {
		t.Error("moderate actions should require a checkpoint")
	}
}

func TestCustomRuleOverridesPatterns(t *testing.T) {
	c, _ := newTestClassifier(t)

	c.RegisterRule("bash", func(input map[string]interface{}) Assessment {
		return Assessment{Action: "custom", Tool: "bash", Level: Minimal, IsReversible: true}
	})

	a := c.Assess("bash", map[string]interface{}{"command": "git push --force"})
	if a.Level != Minimal {
		t.Errorf("expected custom rule verdict, got %s", a.Level)
	}
}

func TestAddPatternPersistsAndMatches(t *testing.T) {
	c, st := newTestClassifier(t)

	err := c.AddPattern(Pattern{
		PatternID:        "docker_prune",
		Description:      "Docker system prune",
		Tool:             "bash",
		InputField:       "command",
		InputPattern:     `docker\s+system\s+prune`,
		Level:            High,
		RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("AddPattern failed: %v", err)
	}

	a := c.Assess("bash", map[string]interface{}{"command": "docker system prune -a"})
	if a.Level != High {
		t.Errorf("expected HIGH from custom pattern, got %s", a.Level)
	}

	// A fresh classifier picks the pattern up from the store.
	c2, err := NewClassifier(st, 2)
	if err != nil {
		t.Fatalf("second NewClassifier failed: %v", err)
	}
	a = c2.Assess("bash", map[string]interface{}{"command": "docker system prune"})
	if a.Level != High {
		t.Errorf("expected persisted pattern to match, got %s", a.Level)
	}
}

func TestAssessmentsAreLogged(t *testing.T) {
	c, st := newTestClassifier(t)

	c.Assess("bash", map[string]interface{}{"command": "git push origin main"})
	c.Assess("read_file", map[string]interface{}{"path": "a.txt"})

	rows, err := st.ListRiskAssessments(1, 10)
	if err != nil {
		t.Fatalf("ListRiskAssessments failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 logged assessments, got %d", len(rows))
	}

	stats := c.GetStats()
	if stats.TotalAssessments != 2 {
		t.Errorf("expected 2 assessments counted, got %d", stats.TotalAssessments)
	}
	if stats.ByLevel["HIGH"] != 1 || stats.ByLevel["MINIMAL"] != 1 {
		t.Errorf("unexpected level counts: %v", stats.ByLevel)
	}
}

func TestAssessBashCommandHeuristics(t *testing.T) {
	tests := []struct {
		command      string
		level        Level
		approval     bool
		irreversible bool
	}{
		{"ls -la", Moderate, false, false},
		{"rm -rf node_modules", Critical, true, true},
		{"git push origin main", High, false, true},
		{"npm install express", Moderate, false, false},
		{"sudo systemctl restart nginx", High, true, false},
		{"psql -c 'DROP TABLE users'", High, true, true},
	}

	for _, tt := range tests {
		a := AssessBashCommand(tt.command)
		if a.Level != tt.level {
			t.Errorf("%q: expected level %s, got %s", tt.command, tt.level, a.Level)
		}
		if a.RequiresApproval != tt.approval {
			t.Errorf("%q: expected approval=%v, got %v", tt.command, tt.approval, a.RequiresApproval)
		}
		if tt.irreversible && a.IsReversible {
			t.Errorf("%q: expected irreversible", tt.command)
		}
	}
}

func TestHighRiskSummary(t *testing.T) {
	c, _ := newTestClassifier(t)

	c.Assess("bash", map[string]interface{}{"command": "git push --force"})
	c.Assess("bash", map[string]interface{}{"command": "rm -rf /tmp/x"})
	c.Assess("read_file", map[string]interface{}{"path": "a.txt"})

	summary, err := c.GetHighRiskSummary()
	if err != nil {
		t.Fatalf("GetHighRiskSummary failed: %v", err)
	}
	if summary.TotalHighRisk != 2 {
		t.Errorf("expected 2 high-risk actions, got %d", summary.TotalHighRisk)
	}
	if summary.ByTool["bash"] != 2 {
		t.Errorf("unexpected tool counts: %v", summary.ByTool)
	}
}

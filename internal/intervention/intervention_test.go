package intervention

import (
	"strings"
	"testing"

	"arcadiaforge/internal/store"
)

func newTestLearner(t *testing.T) (*Learner, *store.ProjectStore) {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l, err := NewLearner(st)
	if err != nil {
		t.Fatalf("NewLearner failed: %v", err)
	}
	return l, st
}

func TestNormalizeError(t *testing.T) {
	got := NormalizeError("Error in /src/app/main.py line 42: 'userId' is undefined at 0x7FFF12AB")
	want := "error in <path> line <n>: '<var>' is undefined at <addr>"
	if got != want {
		t.Errorf("NormalizeError = %q, want %q", got, want)
	}

	if got := NormalizeError("main.go:12:5: undefined: x"); got != "main.go:<n>:<n>: undefined: x" {
		t.Errorf("column form not normalized: %q", got)
	}

	long := strings.Repeat("x", 150)
	if got := NormalizeError(long); len(got) != 100 {
		t.Errorf("long message not truncated: %d chars", len(got))
	}
}

func TestSignatureHashStable(t *testing.T) {
	a := NewSignature("bash", "execute", "", "database", "")
	b := NewSignature("bash", "execute", "", "database", "")
	c := NewSignature("write_file", "execute", "", "database", "")

	if len(a.Hash) != 16 {
		t.Errorf("hash length = %d, want 16", len(a.Hash))
	}
	if a.Hash != b.Hash {
		t.Error("same components should hash equal")
	}
	if a.Hash == c.Hash {
		t.Error("different components should hash differently")
	}
}

func TestSimilarity(t *testing.T) {
	a := store.ContextSignature{
		ToolName:     "bash",
		ActionType:   "execute",
		ErrorPattern: "module not found: '<var>'",
	}

	if sim := Similarity(a, a); sim != 1.0 {
		t.Errorf("identical similarity = %f, want 1.0", sim)
	}

	// Substring error patterns count half.
	b := a
	b.ErrorPattern = "error: module not found: '<var>' while importing"
	if sim := Similarity(a, b); sim < 0.83 || sim > 0.84 {
		t.Errorf("substring similarity = %f, want 2.5/3", sim)
	}

	if sim := Similarity(a, store.ContextSignature{}); sim != 0 {
		t.Errorf("disjoint similarity = %f, want 0", sim)
	}
	if sim := Similarity(store.ContextSignature{}, store.ContextSignature{}); sim != 0 {
		t.Errorf("empty similarity = %f, want 0", sim)
	}
}

func TestRecordGrowsPattern(t *testing.T) {
	l, _ := newTestLearner(t)
	sig := NewSignature("write_file", "write", "", "database", "")

	iv, err := l.Record(1, TypeCorrection, sig, "use parameterized queries", RecordOptions{
		HumanRationale: "string concatenation is injectable",
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if iv.InterventionID != "INT-0001" {
		t.Errorf("unexpected ID: %s", iv.InterventionID)
	}

	patterns := l.Patterns(false, 0)
	if len(patterns) != 1 || patterns[0].PatternID != "PAT-0001" {
		t.Fatalf("unexpected patterns: %+v", patterns)
	}
	if patterns[0].RecommendedAction != "use parameterized queries" || patterns[0].TimesMatched != 1 {
		t.Errorf("unexpected pattern state: %+v", patterns[0])
	}

	// Same context, same action: the match confirms the pattern.
	if _, err := l.Record(1, TypeCorrection, sig, "use parameterized queries", RecordOptions{}); err != nil {
		t.Fatalf("second Record failed: %v", err)
	}
	p := l.Patterns(false, 0)[0]
	if p.TimesMatched != 2 || p.SuccessCount != 1 || p.Confidence != 1.0 {
		t.Errorf("confirmation not counted: %+v", p)
	}
	if p.AutoApply {
		t.Error("auto-apply should wait for more samples")
	}
	if len(p.SourceInterventionIDs) != 2 {
		t.Errorf("sources not accumulated: %v", p.SourceInterventionIDs)
	}

	// A different context starts a new pattern.
	other := NewSignature("bash", "execute", "npm ERR! missing script", "build", "")
	if _, err := l.Record(2, TypeOverride, other, "run yarn instead", RecordOptions{}); err != nil {
		t.Fatalf("third Record failed: %v", err)
	}
	if got := len(l.Patterns(false, 0)); got != 2 {
		t.Errorf("pattern count = %d, want 2", got)
	}
}

func TestAutoApplyAfterProvenUses(t *testing.T) {
	l, _ := newTestLearner(t)
	sig := NewSignature("bash", "execute", "EADDRINUSE: address already in use", "server", "")

	// Four identical interventions: three confirmations.
	for i := 0; i < 4; i++ {
		if _, err := l.Record(1, TypeCorrection, sig, "kill the stale process first", RecordOptions{}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	p := l.Patterns(false, 0)[0]
	if p.TimesApplied != 3 || p.Confidence != 1.0 || !p.AutoApply {
		t.Errorf("pattern not proven: %+v", p)
	}

	match, err := l.ShouldAutoApply(sig)
	if err != nil {
		t.Fatalf("ShouldAutoApply failed: %v", err)
	}
	if match == nil || !match.ShouldAutoApply || match.Recommendation != "kill the stale process first" {
		t.Errorf("unexpected match: %+v", match)
	}

	// Near-miss context: matched, but not close enough to auto-apply.
	partial := sig
	partial.FeatureCategory = "auth"
	partial.Hash = SignatureHash(partial)
	match, err = l.ShouldAutoApply(partial)
	if err != nil {
		t.Fatalf("ShouldAutoApply failed: %v", err)
	}
	if match != nil {
		t.Errorf("partial match should not auto-apply: %+v", match)
	}
}

func TestRecordOutcome(t *testing.T) {
	l, _ := newTestLearner(t)
	sig := NewSignature("write_file", "write", "", "ui", "")

	if _, err := l.Record(1, TypeRedirect, sig, "refactor the component", RecordOptions{}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	ok, err := l.RecordOutcome("INT-0001", false, "made the regression worse")
	if err != nil || !ok {
		t.Fatalf("RecordOutcome: ok=%v err=%v", ok, err)
	}

	ivs, err := l.Interventions(0)
	if err != nil {
		t.Fatalf("Interventions failed: %v", err)
	}
	iv := ivs[0]
	if !iv.OutcomeTracked || iv.OutcomeSuccess == nil || *iv.OutcomeSuccess {
		t.Errorf("outcome not recorded: %+v", iv)
	}
	if iv.OutcomeNotes != "made the regression worse" {
		t.Errorf("notes lost: %q", iv.OutcomeNotes)
	}

	p := l.Patterns(false, 0)[0]
	if p.FailureCount != 1 || p.Confidence != 0 || p.AutoApply {
		t.Errorf("failure not propagated: %+v", p)
	}

	if ok, _ := l.RecordOutcome("INT-0999", true, ""); ok {
		t.Error("unknown intervention should be rejected")
	}
}

func TestFailuresDisableAutoApply(t *testing.T) {
	l, _ := newTestLearner(t)
	sig := NewSignature("bash", "execute", "test suite timed out", "testing", "")

	for i := 0; i < 4; i++ {
		if _, err := l.Record(1, TypeCorrection, sig, "raise the timeout", RecordOptions{}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if !l.Patterns(true, 0)[0].AutoApply {
		t.Fatal("pattern should start proven")
	}

	// Successes 3, then 4 failures: confidence 3/7 drops auto-apply.
	for i := 0; i < 4; i++ {
		if ok, err := l.RecordOutcome("INT-0001", false, ""); err != nil || !ok {
			t.Fatalf("RecordOutcome: ok=%v err=%v", ok, err)
		}
	}
	p := l.Patterns(false, 0)[0]
	if p.AutoApply {
		t.Errorf("auto-apply should be disabled at confidence %f", p.Confidence)
	}
	if p.Confidence > 0.5 {
		t.Errorf("confidence = %f, want below 0.5", p.Confidence)
	}
	if got := len(l.Patterns(true, 0)); got != 0 {
		t.Errorf("auto-apply filter returned %d patterns", got)
	}
}

func TestLearnerReload(t *testing.T) {
	l, st := newTestLearner(t)
	sig := NewSignature("bash", "execute", "", "build", "")

	if _, err := l.Record(1, TypeGuidance, sig, "use the makefile target", RecordOptions{}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	reloaded, err := NewLearner(st)
	if err != nil {
		t.Fatalf("NewLearner failed: %v", err)
	}
	patterns := reloaded.Patterns(false, 0)
	if len(patterns) != 1 || patterns[0].Signature.Hash != sig.Hash {
		t.Fatalf("patterns not reloaded: %+v", patterns)
	}

	// The counter survives: the next ID continues the sequence.
	iv, err := reloaded.Record(2, TypeGuidance, sig, "use the makefile target", RecordOptions{})
	if err != nil {
		t.Fatalf("Record after reload failed: %v", err)
	}
	if iv.InterventionID != "INT-0002" {
		t.Errorf("counter not restored: %s", iv.InterventionID)
	}
}

func TestLearningStats(t *testing.T) {
	l, _ := newTestLearner(t)

	sigA := NewSignature("bash", "execute", "", "build", "")
	sigB := NewSignature("write_file", "write", "", "ui", "")
	l.Record(1, TypeCorrection, sigA, "action a", RecordOptions{})
	l.Record(1, TypeOverride, sigB, "action b", RecordOptions{})
	l.RecordOutcome("INT-0001", true, "")

	stats, err := l.LearningStats()
	if err != nil {
		t.Fatalf("LearningStats failed: %v", err)
	}
	if stats.TotalInterventions != 2 || stats.TotalPatterns != 2 {
		t.Errorf("unexpected totals: %+v", stats)
	}
	if stats.ByType[TypeCorrection] != 1 || stats.ByType[TypeOverride] != 1 {
		t.Errorf("unexpected type breakdown: %v", stats.ByType)
	}
	if stats.OutcomesTracked != 1 || stats.SuccessfulOutcomes != 1 || stats.OutcomeSuccessRate != 1.0 {
		t.Errorf("unexpected outcome stats: %+v", stats)
	}
}

func TestFormatPattern(t *testing.T) {
	l, _ := newTestLearner(t)
	sig := NewSignature("bash", "execute", "command not found: 'pnpm'", "build", "")
	l.Record(1, TypeCorrection, sig, "install pnpm first", RecordOptions{
		HumanRationale: "lockfile is pnpm-format",
	})

	out := FormatPattern(l.Patterns(false, 0)[0])
	for _, want := range []string{"Pattern: PAT-0001", "Recommendation: install pnpm first",
		"Rationale: lockfile is pnpm-format", "Auto-Apply: No", "Tool: bash"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

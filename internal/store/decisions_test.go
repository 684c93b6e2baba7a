package store

import (
	"testing"
)

func TestDecisionOutcomeIsWriteOnce(t *testing.T) {
	s := newTestStore(t)

	d := Decision{
		DecisionID:   "D-1-1",
		SessionID:    1,
		DecisionType: "implementation_approach",
		Context:      "login form validation",
		Choice:       "server-side validation",
		Confidence:   0.8,
	}
	if err := s.InsertDecision(d); err != nil {
		t.Fatalf("InsertDecision failed: %v", err)
	}

	if err := s.SetDecisionOutcome("D-1-1", "worked on first try", true); err != nil {
		t.Fatalf("SetDecisionOutcome failed: %v", err)
	}
	// Second write is ignored, the first outcome stands.
	if err := s.SetDecisionOutcome("D-1-1", "actually it broke", false); err != nil {
		t.Fatalf("second SetDecisionOutcome failed: %v", err)
	}

	got, _ := s.GetDecision("D-1-1")
	if got.Outcome != "worked on first try" {
		t.Errorf("expected original outcome kept, got %q", got.Outcome)
	}
	if got.OutcomeSuccess == nil || !*got.OutcomeSuccess {
		t.Error("expected original success flag kept")
	}
}

func TestListDecisionsFilters(t *testing.T) {
	s := newTestStore(t)

	s.InsertDecision(Decision{
		DecisionID: "D-1-1", SessionID: 1, DecisionType: "implementation_approach",
		Choice: "a", Confidence: 0.9, RelatedFeatures: []int{3},
	})
	s.InsertDecision(Decision{
		DecisionID: "D-1-2", SessionID: 1, DecisionType: "error_recovery",
		Choice: "b", Confidence: 0.4,
	})
	s.InsertDecision(Decision{
		DecisionID: "D-2-3", SessionID: 2, DecisionType: "error_recovery",
		Choice: "c", Confidence: 0.6, RelatedFeatures: []int{3, 4},
	})
	s.SetDecisionOutcome("D-1-2", "recovered", true)

	byType, err := s.ListDecisions(DecisionFilter{DecisionType: "error_recovery", FeatureIndex: -1})
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("expected 2 error_recovery decisions, got %d", len(byType))
	}

	bySession, _ := s.ListDecisions(DecisionFilter{SessionID: 2, FeatureIndex: -1})
	if len(bySession) != 1 || bySession[0].DecisionID != "D-2-3" {
		t.Errorf("unexpected session filter result: %+v", bySession)
	}

	pending, _ := s.ListDecisions(DecisionFilter{PendingOnly: true, FeatureIndex: -1})
	if len(pending) != 2 {
		t.Errorf("expected 2 pending decisions, got %d", len(pending))
	}

	byFeature, _ := s.ListDecisions(DecisionFilter{FeatureIndex: 3})
	if len(byFeature) != 2 {
		t.Errorf("expected 2 decisions for feature 3, got %d", len(byFeature))
	}

	lowConfidence, _ := s.ListDecisions(DecisionFilter{MaxConfidence: 0.5, FeatureIndex: -1})
	if len(lowConfidence) != 1 || lowConfidence[0].DecisionID != "D-1-2" {
		t.Errorf("unexpected low-confidence result: %+v", lowConfidence)
	}
}

func TestDecisionSeqIsGlobal(t *testing.T) {
	s := newTestStore(t)

	s.InsertDecision(Decision{DecisionID: "D-1-1", SessionID: 1, DecisionType: "scope", Choice: "x"})
	s.InsertDecision(Decision{DecisionID: "D-2-2", SessionID: 2, DecisionType: "scope", Choice: "y"})

	seq, err := s.NextDecisionSeq()
	if err != nil {
		t.Fatalf("NextDecisionSeq failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("expected seq 3, got %d", seq)
	}
}

func TestDecisionStats(t *testing.T) {
	s := newTestStore(t)

	s.InsertDecision(Decision{DecisionID: "D-1-1", SessionID: 1, DecisionType: "scope", Choice: "x", Confidence: 0.5})
	s.InsertDecision(Decision{DecisionID: "D-1-2", SessionID: 1, DecisionType: "scope", Choice: "y", Confidence: 1.0})
	s.SetDecisionOutcome("D-1-1", "done", true)

	stats, err := s.GetDecisionStats()
	if err != nil {
		t.Fatalf("GetDecisionStats failed: %v", err)
	}
	if stats.Total != 2 || stats.WithOutcome != 1 || stats.SuccessfulCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.AvgConfidence != 0.75 {
		t.Errorf("expected avg confidence 0.75, got %f", stats.AvgConfidence)
	}
}

package store

import (
	"testing"
)

func TestHotMemoryRoundTrip(t *testing.T) {
	s := newTestStore(t)

	feature := 2
	h := HotMemory{
		SessionID:      1,
		CurrentFeature: &feature,
		CurrentTask:    "implementing login form",
		RecentActions:  []ActionRecord{{Action: "edit", Result: "ok"}},
		RecentFiles:    []string{"src/login.js"},
		FocusKeywords:  []string{"login", "auth"},
		ActiveErrors: []ActiveError{{
			ErrorID: "ERR-1-1", ErrorType: "TypeError",
			Message: "undefined is not a function", OccurrenceCount: 2,
			Hash: "abcd1234",
		}},
	}
	if err := s.SaveHotMemory(h); err != nil {
		t.Fatalf("SaveHotMemory failed: %v", err)
	}

	got, err := s.GetHotMemory(1)
	if err != nil {
		t.Fatalf("GetHotMemory failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected hot memory for session 1")
	}
	if got.CurrentFeature == nil || *got.CurrentFeature != 2 {
		t.Errorf("expected current feature 2, got %v", got.CurrentFeature)
	}
	if len(got.ActiveErrors) != 1 || got.ActiveErrors[0].Hash != "abcd1234" {
		t.Errorf("unexpected active errors: %+v", got.ActiveErrors)
	}

	// Upsert replaces rather than duplicating.
	h.CurrentTask = "fixing the error"
	s.SaveHotMemory(h)
	got, _ = s.GetHotMemory(1)
	if got.CurrentTask != "fixing the error" {
		t.Errorf("expected updated task, got %q", got.CurrentTask)
	}

	if err := s.DeleteHotMemory(1); err != nil {
		t.Fatalf("DeleteHotMemory failed: %v", err)
	}
	got, _ = s.GetHotMemory(1)
	if got != nil {
		t.Error("expected hot memory to be cleared")
	}
}

func TestWarmIssueLifecycle(t *testing.T) {
	s := newTestStore(t)

	issue := WarmIssue{
		IssueID:        "ISSUE-1",
		CreatedSession: 1,
		IssueType:      "recurring_error",
		Description:    "database locked under parallel writes",
		Priority:       2,
		RelatedFiles:   []string{"db.js"},
	}
	if err := s.InsertWarmIssue(issue); err != nil {
		t.Fatalf("InsertWarmIssue failed: %v", err)
	}

	if err := s.TouchWarmIssue("ISSUE-1", 2, "serialize writes"); err != nil {
		t.Fatalf("TouchWarmIssue failed: %v", err)
	}
	if err := s.TouchWarmIssue("ISSUE-1", 3, "use WAL mode"); err != nil {
		t.Fatalf("second TouchWarmIssue failed: %v", err)
	}

	open, err := s.ListWarmIssues(false)
	if err != nil {
		t.Fatalf("ListWarmIssues failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open issue, got %d", len(open))
	}
	got := open[0]
	if got.TimesEncountered != 2 {
		t.Errorf("expected 2 encounters, got %d", got.TimesEncountered)
	}
	if got.LastSeenSession != 3 {
		t.Errorf("expected last seen session 3, got %d", got.LastSeenSession)
	}
	if len(got.AttemptedSolutions) != 2 {
		t.Errorf("expected 2 attempted solutions, got %v", got.AttemptedSolutions)
	}

	if err := s.ResolveWarmIssue("ISSUE-1"); err != nil {
		t.Fatalf("ResolveWarmIssue failed: %v", err)
	}
	open, _ = s.ListWarmIssues(false)
	if len(open) != 0 {
		t.Error("resolved issue should not be listed as open")
	}
	all, _ := s.ListWarmIssues(true)
	if len(all) != 1 {
		t.Error("resolved issue should still exist")
	}
}

func TestWarmIssuesSortedByPriority(t *testing.T) {
	s := newTestStore(t)

	s.InsertWarmIssue(WarmIssue{IssueID: "ISSUE-1", IssueType: "tech_debt", Description: "low", Priority: 4})
	s.InsertWarmIssue(WarmIssue{IssueID: "ISSUE-2", IssueType: "blocker", Description: "high", Priority: 1})

	issues, _ := s.ListWarmIssues(false)
	if len(issues) != 2 || issues[0].IssueID != "ISSUE-2" {
		t.Errorf("expected high priority issue first, got %+v", issues)
	}
}

func TestKnowledgeVerifyRaisesConfidence(t *testing.T) {
	s := newTestStore(t)

	k := Knowledge{
		KnowledgeID:     "KNOW-1",
		KnowledgeType:   "fix",
		Title:           "WAL mode fixes locking",
		Description:     "enable WAL for concurrent readers",
		ContextKeywords: []string{"sqlite", "locking"},
		SourceSessions:  []int{1},
		Confidence:      0.85,
	}
	if err := s.InsertKnowledge(k); err != nil {
		t.Fatalf("InsertKnowledge failed: %v", err)
	}

	s.VerifyKnowledge("KNOW-1", 2)
	s.VerifyKnowledge("KNOW-1", 3)

	entries, err := s.ListKnowledge()
	if err != nil {
		t.Fatalf("ListKnowledge failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0]
	if got.TimesVerified != 2 {
		t.Errorf("expected 2 verifications, got %d", got.TimesVerified)
	}
	// Confidence is capped at 1.0.
	if got.Confidence != 1.0 {
		t.Errorf("expected confidence capped at 1.0, got %f", got.Confidence)
	}
	if len(got.SourceSessions) != 3 {
		t.Errorf("expected 3 source sessions, got %v", got.SourceSessions)
	}
	if got.LastUsed == nil {
		t.Error("expected last_used to be stamped")
	}
}

func TestSessionSummaryRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sum := SessionSummary{
		SessionID:          4,
		FeaturesStarted:    2,
		FeaturesCompleted:  1,
		EndingState:        "clean",
		PatternsDiscovered: []string{"run tests before committing"},
		WarningsForNext:    []string{"auth flow is fragile"},
		ToolCalls:          42,
	}
	if err := s.SaveSessionSummary(sum); err != nil {
		t.Fatalf("SaveSessionSummary failed: %v", err)
	}

	sums, err := s.ListSessionSummaries()
	if err != nil {
		t.Fatalf("ListSessionSummaries failed: %v", err)
	}
	if len(sums) != 1 || sums[0].SessionID != 4 {
		t.Fatalf("unexpected summaries: %+v", sums)
	}
	if sums[0].FeaturesCompleted != 1 || sums[0].ToolCalls != 42 {
		t.Errorf("unexpected summary fields: %+v", sums[0])
	}
	if len(sums[0].WarningsForNext) != 1 {
		t.Errorf("expected 1 warning, got %v", sums[0].WarningsForNext)
	}

	if err := s.DeleteSessionSummary(4); err != nil {
		t.Fatalf("DeleteSessionSummary failed: %v", err)
	}
	sums, _ = s.ListSessionSummaries()
	if len(sums) != 0 {
		t.Error("expected summary to be pruned")
	}
}

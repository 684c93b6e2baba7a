package store

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the writer goroutine is stopped by every Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *ProjectStore {
	t.Helper()
	s, err := NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first session id 1, got %d", id)
	}

	sess, err := s.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != "running" {
		t.Errorf("expected status running, got %s", sess.Status)
	}
	if sess.EndTime != nil {
		t.Error("new session should not have an end time")
	}

	if err := s.EndSession(id, "completed", 1.25); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sess, err = s.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession after end failed: %v", err)
	}
	if sess.Status != "completed" {
		t.Errorf("expected status completed, got %s", sess.Status)
	}
	if sess.EndTime == nil {
		t.Error("ended session should have an end time")
	}
	if sess.TotalCost != 1.25 {
		t.Errorf("expected cost 1.25, got %f", sess.TotalCost)
	}
}

func TestTotalCostSumsSessions(t *testing.T) {
	s := newTestStore(t)

	for i, cost := range []float64{0.5, 1.0, 2.25} {
		id, err := s.CreateSession()
		if err != nil {
			t.Fatalf("CreateSession %d failed: %v", i, err)
		}
		if err := s.EndSession(id, "completed", cost); err != nil {
			t.Fatalf("EndSession %d failed: %v", i, err)
		}
	}

	total, err := s.TotalCost()
	if err != nil {
		t.Fatalf("TotalCost failed: %v", err)
	}
	if total != 3.75 {
		t.Errorf("expected total 3.75, got %f", total)
	}
}

func TestPauseAndResumeSession(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.CreateSession()
	if err := s.PauseSession(id, "CP-1-1", "human requested pause"); err != nil {
		t.Fatalf("PauseSession failed: %v", err)
	}

	paused, err := s.GetPausedSession(id)
	if err != nil {
		t.Fatalf("GetPausedSession failed: %v", err)
	}
	if paused == nil {
		t.Fatal("expected a paused session record")
	}
	if paused.CheckpointID != "CP-1-1" {
		t.Errorf("expected checkpoint CP-1-1, got %s", paused.CheckpointID)
	}

	if err := s.AddPauseNotes(id, "check the migration first"); err != nil {
		t.Fatalf("AddPauseNotes failed: %v", err)
	}
	paused, _ = s.GetPausedSession(id)
	if paused.HumanNotes == "" {
		t.Error("expected notes to be recorded")
	}

	resumed, err := s.ResumeSession(id)
	if err != nil {
		t.Fatalf("ResumeSession failed: %v", err)
	}
	if resumed == nil {
		t.Fatal("expected resume to return the pause record")
	}

	paused, _ = s.GetPausedSession(id)
	if paused != nil {
		t.Error("resumed session should no longer be paused")
	}
}

func TestLatestPausedSession(t *testing.T) {
	s := newTestStore(t)

	latest, err := s.LatestPausedSession()
	if err != nil {
		t.Fatalf("LatestPausedSession failed: %v", err)
	}
	if latest != nil {
		t.Error("expected no paused session in fresh store")
	}

	id, _ := s.CreateSession()
	s.PauseSession(id, "", "stalled")

	latest, err = s.LatestPausedSession()
	if err != nil {
		t.Fatalf("LatestPausedSession failed: %v", err)
	}
	if latest == nil || latest.SessionID != id {
		t.Errorf("expected latest pause for session %d, got %+v", id, latest)
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := newTestStore(t)

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := s.CreateSession()
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent CreateSession failed: %v", err)
		}
	}

	sessions, err := s.ListSessions(50)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 20 {
		t.Errorf("expected 20 sessions, got %d", len(sessions))
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	s, err := NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.CreateSession(); err == nil {
		t.Error("expected write after close to fail")
	}
}

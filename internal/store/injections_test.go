package store

import (
	"testing"
)

func TestRespondToInjectionOnlyWhenPending(t *testing.T) {
	s := newTestStore(t)

	p := InjectionPoint{
		PointID:   "INJ-1-1",
		SessionID: 1,
		PointType: "decision",
		Options:   []string{"PostgreSQL", "SQLite"},
	}
	if err := s.InsertInjectionPoint(p); err != nil {
		t.Fatalf("InsertInjectionPoint failed: %v", err)
	}

	updated, err := s.RespondToInjection("INJ-1-1", "SQLite", "human", "responded")
	if err != nil {
		t.Fatalf("RespondToInjection failed: %v", err)
	}
	if !updated {
		t.Fatal("expected pending point to accept a response")
	}

	// Second response is rejected, the point is no longer pending.
	updated, err = s.RespondToInjection("INJ-1-1", "PostgreSQL", "human", "responded")
	if err != nil {
		t.Fatalf("second RespondToInjection failed: %v", err)
	}
	if updated {
		t.Error("expected answered point to reject a second response")
	}

	got, _ := s.GetInjectionPoint("INJ-1-1")
	if got.Response != "SQLite" {
		t.Errorf("expected first response kept, got %q", got.Response)
	}
	if got.Status != "responded" {
		t.Errorf("expected status responded, got %s", got.Status)
	}
	if got.RespondedAt == nil {
		t.Error("expected responded_at to be stamped")
	}
}

func TestListInjectionPointsByStatus(t *testing.T) {
	s := newTestStore(t)

	s.InsertInjectionPoint(InjectionPoint{PointID: "INJ-1-1", SessionID: 1, PointType: "approval"})
	s.InsertInjectionPoint(InjectionPoint{PointID: "INJ-1-2", SessionID: 1, PointType: "guidance"})
	s.RespondToInjection("INJ-1-1", "yes", "human", "responded")

	pending, err := s.ListInjectionPoints("pending", 0)
	if err != nil {
		t.Fatalf("ListInjectionPoints failed: %v", err)
	}
	if len(pending) != 1 || pending[0].PointID != "INJ-1-2" {
		t.Errorf("unexpected pending points: %+v", pending)
	}

	all, _ := s.ListInjectionPoints("", 0)
	if len(all) != 2 {
		t.Errorf("expected 2 points total, got %d", len(all))
	}
}

func TestInjectionStats(t *testing.T) {
	s := newTestStore(t)

	s.InsertInjectionPoint(InjectionPoint{PointID: "INJ-1-1", SessionID: 1, PointType: "decision"})
	s.InsertInjectionPoint(InjectionPoint{PointID: "INJ-1-2", SessionID: 1, PointType: "decision"})
	s.InsertInjectionPoint(InjectionPoint{PointID: "INJ-2-3", SessionID: 2, PointType: "approval"})
	s.RespondToInjection("INJ-1-1", "a", "timeout_default", "timeout")

	stats, err := s.GetInjectionStats()
	if err != nil {
		t.Fatalf("GetInjectionStats failed: %v", err)
	}
	if stats.Total != 3 || stats.PendingCount != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.ByType["decision"] != 2 || stats.ByType["approval"] != 1 {
		t.Errorf("unexpected type counts: %v", stats.ByType)
	}
	if stats.ByRespondedBy["timeout_default"] != 1 {
		t.Errorf("unexpected responder counts: %v", stats.ByRespondedBy)
	}
}

func TestInjectionSeqIsGlobal(t *testing.T) {
	s := newTestStore(t)

	s.InsertInjectionPoint(InjectionPoint{PointID: "INJ-1-1", SessionID: 1, PointType: "decision"})
	s.InsertInjectionPoint(InjectionPoint{PointID: "INJ-3-2", SessionID: 3, PointType: "decision"})

	seq, err := s.NextInjectionSeq()
	if err != nil {
		t.Fatalf("NextInjectionSeq failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("expected seq 3, got %d", seq)
	}
}

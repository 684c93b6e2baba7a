package store

import (
	"testing"
)

func seedFeatures(t *testing.T, s *ProjectStore) {
	t.Helper()
	err := s.InsertFeatures([]Feature{
		{Index: 0, Category: "functional", Description: "user login", Steps: []string{"open page", "submit form"}, Priority: 1},
		{Index: 1, Category: "functional", Description: "user logout", Priority: 2, BlockedBy: []int{0}},
		{Index: 2, Category: "style", Description: "dark theme"},
	})
	if err != nil {
		t.Fatalf("InsertFeatures failed: %v", err)
	}
}

func TestInsertAndGetFeature(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s)

	f, err := s.GetFeature(0)
	if err != nil {
		t.Fatalf("GetFeature failed: %v", err)
	}
	if f == nil {
		t.Fatal("expected feature 0 to exist")
	}
	if f.Description != "user login" {
		t.Errorf("expected description 'user login', got %q", f.Description)
	}
	if len(f.Steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(f.Steps))
	}
	if f.Passes {
		t.Error("new feature should not be passing")
	}

	missing, err := s.GetFeature(99)
	if err != nil {
		t.Fatalf("GetFeature missing failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing feature")
	}
}

func TestFeatureDefaults(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s)

	f, _ := s.GetFeature(2)
	if f.Priority != 3 {
		t.Errorf("expected default priority 3, got %d", f.Priority)
	}
}

func TestSetFeaturePasses(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s)

	if err := s.SetFeaturePasses(0, true, false); err != nil {
		t.Fatalf("SetFeaturePasses failed: %v", err)
	}

	f, _ := s.GetFeature(0)
	if !f.Passes {
		t.Error("expected feature 0 to pass")
	}
	if f.VerifiedAt == nil {
		t.Error("expected verified_at to be stamped")
	}

	passing, total, err := s.CountFeatures()
	if err != nil {
		t.Fatalf("CountFeatures failed: %v", err)
	}
	if passing != 1 || total != 3 {
		t.Errorf("expected 1/3, got %d/%d", passing, total)
	}
}

func TestRecordFeatureAttempt(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s)

	s.RecordFeatureAttempt(1, false)
	s.RecordFeatureAttempt(1, false)
	s.RecordFeatureAttempt(1, true)

	f, _ := s.GetFeature(1)
	if f.FailureCount != 2 {
		t.Errorf("expected failure count 2, got %d", f.FailureCount)
	}
	if f.LastWorked == "" {
		t.Error("expected last_worked to be stamped")
	}
}

func TestFeatureDependencies(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s)

	if err := s.SetFeatureDependencies(0, nil, []int{1, 2}); err != nil {
		t.Fatalf("SetFeatureDependencies failed: %v", err)
	}

	f, _ := s.GetFeature(0)
	if len(f.Blocks) != 2 {
		t.Errorf("expected 2 blocked features, got %d", len(f.Blocks))
	}
	f, _ = s.GetFeature(1)
	if len(f.BlockedBy) != 1 || f.BlockedBy[0] != 0 {
		t.Errorf("expected feature 1 blocked by 0, got %v", f.BlockedBy)
	}
}

func TestFeatureStatusSnapshotRestore(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s)

	s.SetFeaturePasses(0, true, false)
	s.SetFeaturePasses(1, true, false)

	snapshot, err := s.FeatureStatusSnapshot()
	if err != nil {
		t.Fatalf("FeatureStatusSnapshot failed: %v", err)
	}
	if !snapshot[0] || !snapshot[1] || snapshot[2] {
		t.Errorf("unexpected snapshot: %v", snapshot)
	}

	s.SetFeaturePasses(2, true, false)
	if err := s.RestoreFeatureStatus(snapshot); err != nil {
		t.Fatalf("RestoreFeatureStatus failed: %v", err)
	}

	f, _ := s.GetFeature(2)
	if f.Passes {
		t.Error("restore should have reverted feature 2 to failing")
	}
}

func TestMaxFeatureIndex(t *testing.T) {
	s := newTestStore(t)

	max, err := s.MaxFeatureIndex()
	if err != nil {
		t.Fatalf("MaxFeatureIndex failed: %v", err)
	}
	if max != -1 {
		t.Errorf("expected -1 for empty table, got %d", max)
	}

	seedFeatures(t, s)
	max, _ = s.MaxFeatureIndex()
	if max != 2 {
		t.Errorf("expected max index 2, got %d", max)
	}
}

func TestSetFeatureAudit(t *testing.T) {
	s := newTestStore(t)
	seedFeatures(t, s)

	if err := s.SetFeatureAudit(0, "approved", "auditor", []string{"looks correct"}); err != nil {
		t.Fatalf("SetFeatureAudit failed: %v", err)
	}

	f, _ := s.GetFeature(0)
	if f.AuditStatus != "approved" {
		t.Errorf("expected audit status approved, got %s", f.AuditStatus)
	}
	if len(f.AuditNotes) != 1 {
		t.Errorf("expected 1 audit note, got %d", len(f.AuditNotes))
	}
	if f.AuditTime == nil {
		t.Error("expected audit time to be stamped")
	}
}

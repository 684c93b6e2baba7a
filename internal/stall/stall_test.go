package stall

import (
	"strings"
	"testing"

	"arcadiaforge/internal/store"
)

func newTestDetector(t *testing.T, threshold int) (*Detector, *store.ProjectStore) {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewDetector(st, threshold), st
}

func TestNoProgressAccumulates(t *testing.T) {
	d, st := newTestDetector(t, 0)

	d.SetSessionBaseline(1, 5, "")
	status, err := d.CheckProgress(5, "")
	if err != nil {
		t.Fatalf("CheckProgress failed: %v", err)
	}
	if status.IsStalled || status.ConsecutiveSessions != 1 || status.ShouldEscalate {
		t.Errorf("first miss should not stall yet: %+v", status)
	}
	if status.Message != "No progress this session (1/5 threshold)" {
		t.Errorf("unexpected message: %q", status.Message)
	}

	// Second session with no progress extends the same record.
	d.SetSessionBaseline(2, 5, "")
	status, err = d.CheckProgress(5, "")
	if err != nil {
		t.Fatalf("CheckProgress failed: %v", err)
	}
	if !status.IsStalled || status.ConsecutiveSessions != 2 || status.ShouldEscalate {
		t.Errorf("unexpected status: %+v", status)
	}

	records, _ := st.ListStallRecords(true, 0)
	if len(records) != 1 || records[0].ConsecutiveSessions != 2 || records[0].SessionID != 2 {
		t.Errorf("record not extended: %+v", records)
	}
}

func TestProgressResolvesStall(t *testing.T) {
	d, st := newTestDetector(t, 0)

	d.SetSessionBaseline(1, 5, "")
	if _, err := d.CheckProgress(5, ""); err != nil {
		t.Fatalf("CheckProgress failed: %v", err)
	}

	d.SetSessionBaseline(2, 5, "")
	status, err := d.CheckProgress(6, "")
	if err != nil {
		t.Fatalf("CheckProgress failed: %v", err)
	}
	if status.IsStalled || status.Message != "Progress made this session" {
		t.Errorf("unexpected status: %+v", status)
	}

	if open, _ := st.ListStallRecords(true, 0); len(open) != 0 {
		t.Errorf("stall not resolved: %+v", open)
	}
	all, _ := st.ListStallRecords(false, 0)
	if len(all) != 1 || !all[0].Resolved || all[0].Resolution != "Progress made" {
		t.Errorf("resolution not recorded: %+v", all)
	}
}

func TestGitChangeCountsAsProgress(t *testing.T) {
	d, st := newTestDetector(t, 0)

	d.SetSessionBaseline(1, 5, "abc123")
	status, err := d.CheckProgress(5, "def456")
	if err != nil {
		t.Fatalf("CheckProgress failed: %v", err)
	}
	if status.IsStalled {
		t.Errorf("changed git state is progress: %+v", status)
	}
	if records, _ := st.ListStallRecords(false, 0); len(records) != 0 {
		t.Errorf("no record expected: %+v", records)
	}

	// A missing baseline hash cannot prove change.
	d.SetSessionBaseline(2, 5, "")
	status, _ = d.CheckProgress(5, "def456")
	if status.ConsecutiveSessions != 1 {
		t.Errorf("missing baseline should not count as progress: %+v", status)
	}
}

func TestEscalatesAtThreshold(t *testing.T) {
	d, st := newTestDetector(t, 3)

	var status Status
	for s := 1; s <= 3; s++ {
		d.SetSessionBaseline(s, 4, "")
		var err error
		status, err = d.CheckProgress(4, "")
		if err != nil {
			t.Fatalf("CheckProgress failed: %v", err)
		}
	}
	if !status.ShouldEscalate || status.ConsecutiveSessions != 3 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !strings.Contains(status.Message, "STALL DETECTED") ||
		!strings.Contains(status.Message, "Features passing: 4") {
		t.Errorf("unexpected message: %q", status.Message)
	}

	if err := d.MarkEscalated(status.RecordID); err != nil {
		t.Fatalf("MarkEscalated failed: %v", err)
	}
	records, _ := st.ListStallRecords(true, 0)
	if len(records) != 1 || !records[0].Escalated || records[0].EscalatedAt == nil {
		t.Errorf("escalation not recorded: %+v", records)
	}
}

func TestCapabilityStallCarriesThrough(t *testing.T) {
	d, _ := newTestDetector(t, 2)

	d.SetSessionBaseline(1, 3, "")
	if _, err := d.RecordCapabilityStall("docker", "integration tests need containers", []int{2, 3}); err != nil {
		t.Fatalf("RecordCapabilityStall failed: %v", err)
	}

	// The open capability record is the one no-progress extends.
	status, err := d.CheckProgress(3, "")
	if err != nil {
		t.Fatalf("CheckProgress failed: %v", err)
	}
	if status.StallType != TypeCapabilityMissing || status.MissingCapability != "docker" {
		t.Errorf("capability context lost: %+v", status)
	}
	if !status.ShouldEscalate || !strings.Contains(status.Message, "Missing capability: docker") {
		t.Errorf("unexpected status: %+v", status)
	}
	if len(status.BlockedFeatures) != 2 {
		t.Errorf("blocked features lost: %v", status.BlockedFeatures)
	}
}

func TestStallSummary(t *testing.T) {
	d, _ := newTestDetector(t, 5)

	d.SetSessionBaseline(1, 0, "")
	d.CheckProgress(0, "")
	d.RecordCapabilityStall("docker", "needed", nil)

	sum, err := d.StallSummary()
	if err != nil {
		t.Fatalf("StallSummary failed: %v", err)
	}
	if sum.TotalStalls != 2 || sum.UnresolvedStalls != 2 || len(sum.Recent) != 2 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

func TestGitStateHashWithoutRepo(t *testing.T) {
	if got := GitStateHash(t.TempDir()); got != "no-git" {
		t.Errorf("GitStateHash = %q, want no-git", got)
	}
}

func TestHistoryCyclicErrors(t *testing.T) {
	var h History
	h.AddError("  TypeError: cannot read properties of undefined  ")
	h.AddError("TypeError: cannot read properties of undefined")
	if ok, _ := h.DetectCyclicErrors(3); ok {
		t.Error("two repeats should not trigger at threshold 3")
	}

	h.AddError("TypeError: cannot read properties of undefined")
	ok, reason := h.DetectCyclicErrors(3)
	if !ok || reason != "Same error repeated 3 times" {
		t.Errorf("cycle not detected: ok=%v reason=%q", ok, reason)
	}

	// Distinct errors never trigger.
	var h2 History
	h2.AddError("error one")
	h2.AddError("error two")
	h2.AddError("error three")
	if ok, _ := h2.DetectCyclicErrors(3); ok {
		t.Error("distinct errors flagged as cyclic")
	}
}

func TestHistoryCyclicBlocks(t *testing.T) {
	var h History
	long := strings.Repeat("rm -rf /var/data && ", 5)
	for i := 0; i < 3; i++ {
		h.AddBlockedCommand(long)
	}
	ok, reason := h.DetectCyclicBlocks(3)
	if !ok {
		t.Fatal("repeated block not detected")
	}
	if !strings.Contains(reason, "blocked 3 times") {
		t.Errorf("unexpected reason: %q", reason)
	}
	// The command is clipped in the reason.
	if strings.Contains(reason, long[:60]) {
		t.Errorf("command not truncated: %q", reason)
	}
}

func TestHistoryGitAndTestStagnation(t *testing.T) {
	var h History
	h.AddGitHash("aaa")
	h.AddGitHash("aaa")
	h.AddGitHash("aaa")
	if ok, reason := h.DetectNoGitChanges(3); !ok || reason != "No file changes for 3 iterations" {
		t.Errorf("frozen git state not detected: %q", reason)
	}
	h.AddGitHash("bbb")
	if ok, _ := h.DetectNoGitChanges(3); ok {
		t.Error("changed git state flagged as frozen")
	}

	// A passing count stuck at zero is not stagnation.
	var h2 History
	for i := 0; i < 3; i++ {
		h2.AddPassingCount(0)
	}
	if ok, _ := h2.DetectNoTestProgress(3); ok {
		t.Error("zero passing count should not count as stuck")
	}
	var h3 History
	for i := 0; i < 3; i++ {
		h3.AddPassingCount(4)
	}
	if ok, reason := h3.DetectNoTestProgress(3); !ok || !strings.Contains(reason, "stuck at 4") {
		t.Errorf("flat passing count not detected: %q", reason)
	}
}

func TestCheckCyclicOrder(t *testing.T) {
	var h History
	for i := 0; i < 3; i++ {
		h.AddError("same failure")
		h.AddGitHash("aaa")
	}
	ok, reason := h.CheckCyclic(0, 0, 0)
	if !ok || !strings.Contains(reason, "Same error") {
		t.Errorf("error check should win: ok=%v reason=%q", ok, reason)
	}

	var h2 History
	for i := 0; i < 3; i++ {
		h2.AddGitHash("aaa")
	}
	ok, reason = h2.CheckCyclic(0, 0, 0)
	if !ok || !strings.Contains(reason, "No file changes") {
		t.Errorf("git check not reached: ok=%v reason=%q", ok, reason)
	}

	if ok, _ := (&History{}).CheckCyclic(0, 0, 0); ok {
		t.Error("empty history flagged as cyclic")
	}
}

package human

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arcadiaforge/internal/escalation"
	"arcadiaforge/internal/store"
)

func newTestInterface(t *testing.T) (*Interface, *store.ProjectStore, string) {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	h := New(st, dir, 1)
	h.PollInterval = 5 * time.Millisecond
	return h, st, dir
}

// waitForPending blocks until a point is awaiting a response.
func waitForPending(t *testing.T, st *store.ProjectStore) store.InjectionPoint {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := st.ListInjectionPoints("pending", 0)
		if err != nil {
			t.Fatalf("ListInjectionPoints failed: %v", err)
		}
		if len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no pending injection point appeared")
	return store.InjectionPoint{}
}

func TestRespondUnblocksRequest(t *testing.T) {
	h, st, _ := newTestInterface(t)

	go func() {
		p := waitForPending(t, st)
		h.Respond(p.PointID, "PostgreSQL")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := h.RequestInput(ctx, TypeDecision, Request{
		Context:        map[string]interface{}{"decision": "Which database?"},
		Options:        []string{"SQLite", "PostgreSQL"},
		Recommendation: "SQLite",
	})
	if err != nil {
		t.Fatalf("RequestInput failed: %v", err)
	}
	if !resp.Responded || resp.Response != "PostgreSQL" || resp.RespondedBy != "human" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.PointID != "INJ-1-1" {
		t.Errorf("unexpected point ID: %s", resp.PointID)
	}
}

func TestTimeoutDefaultFires(t *testing.T) {
	h, _, _ := newTestInterface(t)

	start := time.Now()
	resp, err := h.RequestInput(context.Background(), TypeApproval, Request{
		Recommendation:   "proceed",
		TimeoutSeconds:   1,
		DefaultOnTimeout: "deny",
	})
	if err != nil {
		t.Fatalf("RequestInput failed: %v", err)
	}
	if resp.Responded || resp.Response != "deny" || resp.RespondedBy != "timeout_default" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if time.Since(start) < time.Second {
		t.Error("timeout fired early")
	}

	// The point is archived as timed out.
	got, _ := h.Get(resp.PointID)
	if got == nil || got.Status != "timeout" {
		t.Errorf("unexpected point state: %+v", got)
	}
}

func TestResponseFilePickedUp(t *testing.T) {
	h, st, dir := newTestInterface(t)

	go func() {
		p := waitForPending(t, st)
		path := filepath.Join(dir, ".arcadia", "responses", p.PointID+".txt")
		os.WriteFile(path, []byte("Skip blocked features\n"), 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := h.RequestInput(ctx, TypeGuidance, Request{
		Recommendation: "Continue anyway",
	})
	if err != nil {
		t.Fatalf("RequestInput failed: %v", err)
	}
	if !resp.Responded || resp.Response != "Skip blocked features" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.RespondedBy != "human" {
		t.Errorf("file responses count as human, got %s", resp.RespondedBy)
	}

	// The file is consumed.
	path := filepath.Join(dir, ".arcadia", "responses", resp.PointID+".txt")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("response file not removed")
	}
}

func TestPauseReturnsImmediately(t *testing.T) {
	h, _, _ := newTestInterface(t)
	h.RequestPause()

	resp, err := h.RequestInput(context.Background(), TypeDecision, Request{
		Recommendation: "keep going",
	})
	if err != nil {
		t.Fatalf("RequestInput failed: %v", err)
	}
	if resp.RespondedBy != "pause_requested" || resp.Response != "keep going" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !h.PauseRequested() {
		t.Error("pause flag lost")
	}
}

func TestContextCancelCancelsPoint(t *testing.T) {
	h, st, _ := newTestInterface(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitForPending(t, st)
		cancel()
	}()

	_, err := h.RequestInput(ctx, TypeReview, Request{Recommendation: "looks fine"})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	points, _ := st.ListInjectionPoints("cancelled", 0)
	if len(points) != 1 {
		t.Errorf("point not cancelled: %d", len(points))
	}
}

func TestRespondOnlyWhilePending(t *testing.T) {
	h, st, _ := newTestInterface(t)

	st.InsertInjectionPoint(store.InjectionPoint{
		PointID: "INJ-1-1", SessionID: 1, PointType: TypeApproval,
		Recommendation: "yes",
	})

	ok, err := h.Respond("INJ-1-1", "no")
	if err != nil || !ok {
		t.Fatalf("Respond: ok=%v err=%v", ok, err)
	}
	if ok, _ := h.Respond("INJ-1-1", "yes"); ok {
		t.Error("second response should be rejected")
	}
	if ok, _ := h.Cancel("INJ-1-1"); ok {
		t.Error("cancel after response should be rejected")
	}
	if ok, _ := h.Respond("INJ-9-9", "x"); ok {
		t.Error("unknown point should not accept responses")
	}
}

func TestHistoryAndStats(t *testing.T) {
	h, st, _ := newTestInterface(t)

	st.InsertInjectionPoint(store.InjectionPoint{PointID: "INJ-1-1", SessionID: 1, PointType: TypeDecision})
	st.InsertInjectionPoint(store.InjectionPoint{PointID: "INJ-2-2", SessionID: 2, PointType: TypeApproval})
	h.Respond("INJ-1-1", "option A")

	all, err := h.History(-1, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(all) != 2 || all[0].PointID != "INJ-2-2" {
		t.Errorf("unexpected history: %+v", all)
	}

	bySession, _ := h.History(1, 0)
	if len(bySession) != 1 || bySession[0].PointID != "INJ-1-1" {
		t.Errorf("session filter failed: %+v", bySession)
	}

	pending, _ := h.Pending()
	if len(pending) != 1 || pending[0].PointID != "INJ-2-2" {
		t.Errorf("unexpected pending: %+v", pending)
	}

	stats, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 || stats.PendingCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.ByType[TypeDecision] != 1 || stats.ByRespondedBy["human"] != 1 {
		t.Errorf("unexpected breakdowns: %+v", stats)
	}
}

func TestFromEscalationMapping(t *testing.T) {
	res := escalation.Result{
		Rule: escalation.Rule{
			RuleID:           "multiple_failures",
			Severity:         4,
			InjectionType:    escalation.InjectGuidance,
			SuggestedActions: []string{"Try different approach", "Skip feature"},
			TimeoutSeconds:   120,
			DefaultAction:    "Try different approach",
		},
		Context:           map[string]interface{}{"consecutive_failures": 3},
		Message:           "Feature failed 3 times",
		RecommendedAction: "Try different approach",
	}

	req := FromEscalation(res)
	if req.EscalationRuleID != "multiple_failures" || req.Severity != 4 {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.TimeoutSeconds != 120 || req.DefaultOnTimeout != "Try different approach" {
		t.Errorf("timeout mapping wrong: %+v", req)
	}
	if len(req.Options) != 2 {
		t.Errorf("options not carried: %v", req.Options)
	}
}

func TestFormatAndSummary(t *testing.T) {
	p := store.InjectionPoint{
		PointID:        "INJ-1-1",
		PointType:      TypeDecision,
		Severity:       3,
		Message:        "Choose a test framework",
		Options:        []string{"jest", "vitest"},
		Recommendation: "vitest",
		Status:         "pending",
	}

	banner := FormatRequest(p)
	for _, want := range []string{"[INJ-1-1] decision", "2. vitest (recommended)",
		"No timeout default", "arcadia respond INJ-1-1"} {
		if !strings.Contains(banner, want) {
			t.Errorf("missing %q in banner:\n%s", want, banner)
		}
	}

	if got := Summary(p); !strings.Contains(got, "PENDING") {
		t.Errorf("unexpected summary: %q", got)
	}
	p.Status = "responded"
	p.RespondedBy = "human"
	if got := Summary(p); !strings.Contains(got, "RESPONDED (human)") {
		t.Errorf("unexpected summary: %q", got)
	}
}

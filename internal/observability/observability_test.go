package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"arcadiaforge/internal/config"
	"arcadiaforge/internal/store"
)

func newTestObserver(t *testing.T) (*Observer, *store.ProjectStore) {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewObserver(st, t.TempDir(), nil), st
}

func TestRunIDIsStable(t *testing.T) {
	dir := t.TempDir()
	a := RunID(dir)
	b := RunID(dir)
	require.Equal(t, a, b)
	require.Len(t, a, 12)
	require.NotEqual(t, a, RunID(t.TempDir()))
}

func TestSessionLifecycleEvents(t *testing.T) {
	o, st := newTestObserver(t)

	_, err := o.StartSession(1)
	require.NoError(t, err)

	_, err = o.LogToolCall("bash", map[string]interface{}{"command": "ls"}, nil)
	require.NoError(t, err)
	_, err = o.LogToolResult("bash", true, false, false, "", 42)
	require.NoError(t, err)

	_, err = o.EndSession("completed", "all done", []int{3})
	require.NoError(t, err)

	events, err := st.SessionEvents(1)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, EventSessionStart, events[0].Type)
	require.Equal(t, EventToolCall, events[1].Type)
	require.Equal(t, EventToolResult, events[2].Type)
	require.Equal(t, EventSessionEnd, events[3].Type)
	require.Equal(t, "completed", payloadString(events[3].Payload, "status"))
}

func TestLogToolCallTruncatesLargeInput(t *testing.T) {
	o, st := newTestObserver(t)
	o.StartSession(1)

	_, err := o.LogToolCall("write_file", map[string]interface{}{
		"content": strings.Repeat("x", 5000),
	}, nil)
	require.NoError(t, err)

	events, err := st.ListEvents(store.EventFilter{Type: EventToolCall, FeatureIndex: -1})
	require.NoError(t, err)
	require.Len(t, events, 1)

	input, ok := events[0].Payload["tool_input"].(map[string]interface{})
	require.True(t, ok, "tool_input should be a map")
	require.Equal(t, true, input["_truncated"])
	preview, _ := input["_preview"].(string)
	require.LessOrEqual(t, len(preview), toolInputPreview)
}

func TestToolResultEventTypes(t *testing.T) {
	o, st := newTestObserver(t)
	o.StartSession(1)

	o.LogToolResult("bash", true, false, false, "", 10)
	o.LogToolResult("bash", false, true, false, "exit status 1", 10)
	o.LogToolResult("bash", false, false, true, "blocked by policy", 10)

	counts, err := st.CountEventsByType(1)
	require.NoError(t, err)
	require.Equal(t, 1, counts[EventToolResult])
	require.Equal(t, 1, counts[EventToolError])
	require.Equal(t, 1, counts[EventToolBlocked])
}

func TestSessionMetricsAggregation(t *testing.T) {
	o, _ := newTestObserver(t)
	o.StartSession(1)

	o.LogToolCall("bash", map[string]interface{}{"command": "go test"}, nil)
	o.LogToolResult("bash", true, false, false, "", 100)
	o.LogToolCall("bash", map[string]interface{}{"command": "rm -rf /"}, nil)
	o.LogToolResult("bash", false, false, true, "blocked", 5)
	o.LogToolCall("edit", map[string]interface{}{"path": "main.go"}, nil)
	o.LogToolResult("edit", false, true, false, "no such file", 12)

	o.LogFeatureEvent(EventFeatureStarted, 2, "login form", nil)
	o.LogFeatureEvent(EventFeatureCompleted, 2, "login form", nil)
	o.LogFeatureEvent(EventFeatureStarted, 3, "logout", nil)
	o.LogFeatureEvent(EventFeatureFailed, 3, "logout", nil)

	o.LogError("boom", "runtime", "", nil)
	o.LogEvent(EventWarning, EventOptions{Data: map[string]interface{}{"message": "slow"}})
	o.LogEvent(EventEscalationTriggered, EventOptions{})
	o.LogEvent(EventHumanResponse, EventOptions{})
	o.LogUsage(2000, 1000, 0.021)

	got, err := o.SessionMetrics(1)
	require.NoError(t, err)

	want := SessionMetrics{
		SessionID:           1,
		ToolCallsTotal:      3,
		ToolCallsSuccessful: 1,
		ToolCallsFailed:     1,
		ToolCallsBlocked:    1,
		FeaturesAttempted:   2,
		FeaturesCompleted:   1,
		FeaturesFailed:      1,
		ErrorsTotal:         1,
		WarningsTotal:       1,
		Escalations:         1,
		HumanInterventions:  1,
		InputTokens:         2000,
		OutputTokens:        1000,
		EstimatedCostUSD:    0.021,
	}
	ignoreTimes := cmpopts.IgnoreFields(SessionMetrics{}, "StartedAt", "EndedAt", "DurationSeconds")
	if diff := cmp.Diff(want, got, ignoreTimes); diff != "" {
		t.Errorf("session metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestRunMetricsAcrossSessions(t *testing.T) {
	o, _ := newTestObserver(t)

	o.StartSession(1)
	o.LogToolCall("bash", nil, nil)
	o.LogToolResult("bash", true, false, false, "", 10)
	o.LogFeatureEvent(EventFeatureCompleted, 0, "init", nil)
	o.LogUsage(1000, 500, 0.0105)
	o.EndSession("completed", "done", nil)

	o.StartSession(2)
	o.LogToolCall("bash", nil, nil)
	o.LogToolResult("bash", false, true, false, "exit 1", 10)
	o.LogFeatureEvent(EventFeatureFailed, 1, "search", nil)
	o.LogUsage(500, 250, 0.00525)
	o.EndSession("stalled", "no progress", nil)

	m, err := o.RunMetrics()
	require.NoError(t, err)

	require.Equal(t, 2, m.SessionsTotal)
	require.Equal(t, 1, m.SessionsCompleted)
	require.Equal(t, 2, m.TotalToolCalls)
	require.Equal(t, 1, m.TotalToolErrors)
	require.Equal(t, 0, m.TotalToolBlocked)
	require.Equal(t, 1, m.TotalFeaturesCompleted)
	require.Equal(t, 1, m.TotalFeaturesFailed)
	require.Equal(t, 1500, m.TotalInputTokens)
	require.Equal(t, 750, m.TotalOutputTokens)
	require.InDelta(t, 0.01575, m.TotalEstimatedCostUSD, 1e-9)
	require.NotEmpty(t, m.FirstEventAt)
	require.NotEmpty(t, m.LastEventAt)

	require.Len(t, m.Sessions, 2)
	require.Equal(t, 1, m.Sessions[1].ToolCallsSuccessful)
	require.Equal(t, 1, m.Sessions[2].ToolCallsFailed)
}

func TestRunMetricsEmptyStream(t *testing.T) {
	o, _ := newTestObserver(t)

	m, err := o.RunMetrics()
	require.NoError(t, err)
	require.Equal(t, 0, m.SessionsTotal)
	require.Empty(t, m.FirstEventAt)
	require.NotNil(t, m.Sessions)
}

func TestCheckBudget(t *testing.T) {
	o, _ := newTestObserver(t)
	o.StartSession(1)
	o.LogUsage(100000, 50000, 1.05)

	budget := config.DefaultBudget()
	budget.MaxBudgetUSD = 2.0

	status, err := o.CheckBudget(budget)
	require.NoError(t, err)
	require.False(t, status.Over)
	require.InDelta(t, 1.05, status.CostUSD, 1e-9)
	require.InDelta(t, 0.525, status.PercentUsed, 1e-9)

	budget.MaxBudgetUSD = 1.0
	status, err = o.CheckBudget(budget)
	require.NoError(t, err)
	require.True(t, status.Over)
}

func TestExportMetricsJSON(t *testing.T) {
	o, _ := newTestObserver(t)
	o.StartSession(1)
	o.LogUsage(100, 50, 0.001)
	o.EndSession("completed", "", nil)

	path := filepath.Join(t.TempDir(), "metrics.json")
	written, err := o.ExportMetricsJSON(path)
	require.NoError(t, err)
	require.Equal(t, path, written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var m RunMetrics
	require.NoError(t, json.Unmarshal(data, &m))
	require.Equal(t, o.RunIDString(), m.RunID)
	require.Equal(t, 1, m.SessionsTotal)
}

func TestFormatMetricsSummary(t *testing.T) {
	m := RunMetrics{
		RunID:                  "abc123def456",
		ProjectDir:             "/tmp/project",
		SessionsTotal:          4,
		SessionsCompleted:      3,
		TotalToolCalls:         120,
		TotalToolErrors:        5,
		TotalToolBlocked:       2,
		TotalFeaturesCompleted: 12,
		TotalFeaturesFailed:    1,
		TotalInputTokens:       1234567,
		TotalOutputTokens:      89012,
		TotalEstimatedCostUSD:  4.5,
	}
	out := FormatMetricsSummary(m)

	require.Contains(t, out, "RUN METRICS SUMMARY")
	require.Contains(t, out, "Sessions:            3/4 completed")
	require.Contains(t, out, "Tool calls:          120 total")
	require.Contains(t, out, "1,234,567")
	require.Contains(t, out, "$4.50")
	require.Contains(t, out, "First event:         N/A")
}

func TestSessionSummary(t *testing.T) {
	o, _ := newTestObserver(t)
	o.StartSession(7)
	o.LogToolCall("bash", nil, nil)
	o.LogToolResult("bash", true, false, false, "", 10)
	o.EndSession("completed", "", nil)

	out, err := o.SessionSummary(7)
	require.NoError(t, err)
	require.Contains(t, out, "Session #7 Summary")
	require.Contains(t, out, "Total:      1")
	require.Contains(t, out, "Successful: 1")
}

func TestFormatEvent(t *testing.T) {
	o, st := newTestObserver(t)
	o.StartSession(1)
	idx := 4
	o.LogToolCall("bash", map[string]interface{}{"command": "ls"}, &idx)

	events, err := st.ListEvents(store.EventFilter{Type: EventToolCall, FeatureIndex: -1})
	require.NoError(t, err)
	require.Len(t, events, 1)

	line := FormatEvent(events[0])
	require.Contains(t, line, "tool_call")
	require.Contains(t, line, "tool=bash")
	require.Contains(t, line, "feature=#4")
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "30.0s", FormatDuration(30))
	require.Equal(t, "1.5m", FormatDuration(90))
	require.Equal(t, "2.0h", FormatDuration(7200))
}

func TestComma(t *testing.T) {
	require.Equal(t, "0", comma(0))
	require.Equal(t, "999", comma(999))
	require.Equal(t, "1,000", comma(1000))
	require.Equal(t, "1,234,567", comma(1234567))
	require.Equal(t, "-12,345", comma(-12345))
}

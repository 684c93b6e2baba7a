package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"arcadiaforge/internal/config"
	"arcadiaforge/internal/store"
)

// SessionMetrics aggregates one session's slice of the event stream.
type SessionMetrics struct {
	SessionID       int     `json:"session_id"`
	StartedAt       string  `json:"started_at,omitempty"`
	EndedAt         string  `json:"ended_at,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`

	ToolCallsTotal      int `json:"tool_calls_total"`
	ToolCallsSuccessful int `json:"tool_calls_successful"`
	ToolCallsFailed     int `json:"tool_calls_failed"`
	ToolCallsBlocked    int `json:"tool_calls_blocked"`

	FeaturesAttempted int `json:"features_attempted"`
	FeaturesCompleted int `json:"features_completed"`
	FeaturesFailed    int `json:"features_failed"`

	ErrorsTotal   int `json:"errors_total"`
	WarningsTotal int `json:"warnings_total"`

	Escalations        int `json:"escalations"`
	HumanInterventions int `json:"human_interventions"`

	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// RunMetrics aggregates the whole run across sessions.
type RunMetrics struct {
	RunID        string `json:"run_id"`
	ProjectDir   string `json:"project_dir"`
	FirstEventAt string `json:"first_event_at,omitempty"`
	LastEventAt  string `json:"last_event_at,omitempty"`

	SessionsTotal     int `json:"sessions_total"`
	SessionsCompleted int `json:"sessions_completed"`

	TotalToolCalls   int `json:"total_tool_calls"`
	TotalToolErrors  int `json:"total_tool_errors"`
	TotalToolBlocked int `json:"total_tool_blocked"`

	TotalFeaturesCompleted int `json:"total_features_completed"`
	TotalFeaturesFailed    int `json:"total_features_failed"`

	TotalInputTokens      int     `json:"total_input_tokens"`
	TotalOutputTokens     int     `json:"total_output_tokens"`
	TotalEstimatedCostUSD float64 `json:"total_estimated_cost_usd"`

	Sessions map[int]SessionMetrics `json:"sessions"`
}

// BudgetStatus is the verdict of a budget check against the run cost.
type BudgetStatus struct {
	Over        bool
	CostUSD     float64
	PercentUsed float64
}

const eventTimeLayout = "2006-01-02T15:04:05"

// SessionMetrics replays one session's events into counters.
func (o *Observer) SessionMetrics(sessionID int) (SessionMetrics, error) {
	m := SessionMetrics{SessionID: sessionID}
	events, err := o.store.SessionEvents(sessionID)
	if err != nil {
		return m, fmt.Errorf("failed to load session events: %w", err)
	}
	for _, e := range events {
		tallySessionEvent(&m, e)
	}
	return m, nil
}

// RunMetrics replays the full event stream once, filling both the run
// totals and the per-session breakdown.
func (o *Observer) RunMetrics() (RunMetrics, error) {
	m := RunMetrics{
		RunID:      o.runID,
		ProjectDir: o.projectDir,
		Sessions:   map[int]SessionMetrics{},
	}

	events, err := o.allEventsOldestFirst()
	if err != nil {
		return m, fmt.Errorf("failed to load events: %w", err)
	}
	if len(events) == 0 {
		return m, nil
	}

	m.FirstEventAt = events[0].Timestamp.Format(time.RFC3339)
	m.LastEventAt = events[len(events)-1].Timestamp.Format(time.RFC3339)

	for _, e := range events {
		if e.SessionID > 0 {
			sm := m.Sessions[e.SessionID]
			sm.SessionID = e.SessionID
			tallySessionEvent(&sm, e)
			m.Sessions[e.SessionID] = sm
		}

		switch e.Type {
		case EventSessionEnd:
			if payloadString(e.Payload, "status") == "completed" {
				m.SessionsCompleted++
			}
		case EventToolCall:
			m.TotalToolCalls++
		case EventToolError:
			m.TotalToolErrors++
		case EventToolBlocked:
			m.TotalToolBlocked++
		case EventFeatureCompleted:
			m.TotalFeaturesCompleted++
		case EventFeatureFailed:
			m.TotalFeaturesFailed++
		case EventUsageReport:
			m.TotalInputTokens += payloadInt(e.Payload, "input_tokens")
			m.TotalOutputTokens += payloadInt(e.Payload, "output_tokens")
			m.TotalEstimatedCostUSD += payloadFloat(e.Payload, "estimated_cost_usd")
		}
	}
	m.SessionsTotal = len(m.Sessions)

	return m, nil
}

func tallySessionEvent(m *SessionMetrics, e store.Event) {
	switch e.Type {
	case EventSessionStart:
		m.StartedAt = payloadString(e.Payload, "started_at")
		if m.StartedAt == "" {
			m.StartedAt = e.Timestamp.Format(time.RFC3339)
		}
	case EventSessionEnd:
		m.EndedAt = e.Timestamp.Format(time.RFC3339)
		m.DurationSeconds = payloadFloat(e.Payload, "duration_seconds")
	case EventToolCall:
		m.ToolCallsTotal++
	case EventToolResult:
		m.ToolCallsSuccessful++
	case EventToolError:
		m.ToolCallsFailed++
	case EventToolBlocked:
		m.ToolCallsBlocked++
	case EventFeatureStarted:
		m.FeaturesAttempted++
	case EventFeatureCompleted:
		m.FeaturesCompleted++
	case EventFeatureFailed:
		m.FeaturesFailed++
	case EventError:
		m.ErrorsTotal++
	case EventWarning:
		m.WarningsTotal++
	case EventEscalationTriggered:
		m.Escalations++
	case EventHumanResponse:
		m.HumanInterventions++
	case EventUsageReport:
		m.InputTokens += payloadInt(e.Payload, "input_tokens")
		m.OutputTokens += payloadInt(e.Payload, "output_tokens")
		m.EstimatedCostUSD += payloadFloat(e.Payload, "estimated_cost_usd")
	}
}

// CheckBudget compares the accumulated run cost against the limit.
// PercentUsed is 0 when no limit is configured.
func (o *Observer) CheckBudget(budget config.BudgetConfig) (BudgetStatus, error) {
	m, err := o.RunMetrics()
	if err != nil {
		return BudgetStatus{}, err
	}

	status := BudgetStatus{CostUSD: m.TotalEstimatedCostUSD}
	if budget.MaxBudgetUSD > 0 {
		status.Over = m.TotalEstimatedCostUSD > budget.MaxBudgetUSD
		status.PercentUsed = m.TotalEstimatedCostUSD / budget.MaxBudgetUSD
	}
	return status, nil
}

// ExportMetricsJSON writes the run metrics to path, defaulting to
// .arcadia/metrics.json under the project directory.
func (o *Observer) ExportMetricsJSON(path string) (string, error) {
	if path == "" {
		path = filepath.Join(o.projectDir, ".arcadia", "metrics.json")
	}
	m, err := o.RunMetrics()
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode metrics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create metrics dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write metrics: %w", err)
	}
	return path, nil
}

// SessionSummary renders one session's metrics for terminal output.
func (o *Observer) SessionSummary(sessionID int) (string, error) {
	m, err := o.SessionMetrics(sessionID)
	if err != nil {
		return "", err
	}

	lines := []string{
		fmt.Sprintf("Session #%d Summary", sessionID),
		strings.Repeat("-", 40),
		"Started:      " + orNA(clipTime(m.StartedAt)),
		"Ended:        " + orNA(clipTime(m.EndedAt)),
		"Duration:     " + FormatDuration(m.DurationSeconds),
		"",
		"Tool Calls:",
		fmt.Sprintf("  Total:      %d", m.ToolCallsTotal),
		fmt.Sprintf("  Successful: %d", m.ToolCallsSuccessful),
		fmt.Sprintf("  Failed:     %d", m.ToolCallsFailed),
		fmt.Sprintf("  Blocked:    %d", m.ToolCallsBlocked),
		"",
		"Features:",
		fmt.Sprintf("  Attempted:  %d", m.FeaturesAttempted),
		fmt.Sprintf("  Completed:  %d", m.FeaturesCompleted),
		fmt.Sprintf("  Failed:     %d", m.FeaturesFailed),
		"",
		"Issues:",
		fmt.Sprintf("  Errors:     %d", m.ErrorsTotal),
		fmt.Sprintf("  Warnings:   %d", m.WarningsTotal),
		fmt.Sprintf("  Escalations:%d", m.Escalations),
	}
	return strings.Join(lines, "\n"), nil
}

// FormatMetricsSummary renders run metrics as the end-of-run banner.
func FormatMetricsSummary(m RunMetrics) string {
	rule := strings.Repeat("=", 50)
	lines := []string{
		rule,
		"RUN METRICS SUMMARY",
		rule,
		"Run ID:              " + m.RunID,
		"Project:             " + m.ProjectDir,
		"First event:         " + orNA(clipTime(m.FirstEventAt)),
		"Last event:          " + orNA(clipTime(m.LastEventAt)),
		"",
		fmt.Sprintf("Sessions:            %d/%d completed", m.SessionsCompleted, m.SessionsTotal),
		fmt.Sprintf("Tool calls:          %d total", m.TotalToolCalls),
		fmt.Sprintf("  - Errors:          %d", m.TotalToolErrors),
		fmt.Sprintf("  - Blocked:         %d", m.TotalToolBlocked),
		fmt.Sprintf("Features completed:  %d", m.TotalFeaturesCompleted),
		fmt.Sprintf("Features failed:     %d", m.TotalFeaturesFailed),
		"",
		"Usage:",
		"  - Input tokens:    " + comma(m.TotalInputTokens),
		"  - Output tokens:   " + comma(m.TotalOutputTokens),
		fmt.Sprintf("  - Estimated Cost:  $%.2f", m.TotalEstimatedCostUSD),
		rule,
	}
	return strings.Join(lines, "\n")
}

// FormatDuration renders seconds at the coarsest readable unit.
func FormatDuration(seconds float64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%.1fs", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fh", seconds/3600)
	}
}

// clipTime trims an RFC3339 stamp to seconds precision for display.
func clipTime(s string) string {
	if len(s) > len(eventTimeLayout) {
		return s[:len(eventTimeLayout)]
	}
	return s
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// comma groups digits in threes for token counts.
func comma(n int) string {
	s := strconv.Itoa(n)
	neg := ""
	if strings.HasPrefix(s, "-") {
		neg, s = "-", s[1:]
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return neg + s
}

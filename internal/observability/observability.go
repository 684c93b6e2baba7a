// Package observability logs the run's event stream to the store and
// mirrors it to a structured logger. Every notable action becomes an
// event row; metrics are aggregations over that stream.
package observability

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arcadiaforge/internal/store"
)

// Event types.
const (
	EventSessionStart  = "session_start"
	EventSessionEnd    = "session_end"
	EventSessionPause  = "session_pause"
	EventSessionResume = "session_resume"

	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventToolBlocked = "tool_blocked"
	EventToolError   = "tool_error"

	EventDecision         = "decision"
	EventFeatureStarted   = "feature_started"
	EventFeatureCompleted = "feature_completed"
	EventFeatureFailed    = "feature_failed"
	EventFeatureSkipped   = "feature_skipped"

	EventCheckpointCreated  = "checkpoint_created"
	EventCheckpointRestored = "checkpoint_restored"
	EventRollback           = "rollback"

	EventEscalationTriggered = "escalation_triggered"
	EventHumanInjection      = "human_injection"
	EventHumanResponse       = "human_response"

	EventError   = "error"
	EventWarning = "warning"

	EventGitCommit       = "git_commit"
	EventGitStatusChange = "git_status_change"

	EventUsageReport = "usage_report"
)

// Payload truncation limits.
const (
	maxToolInputLen   = 1000
	toolInputPreview  = 500
	maxErrorResultLen = 500
	maxErrorLen       = 1000
	maxStackLen       = 2000
	maxRationaleLen   = 500
	maxDescriptionLen = 200
)

// RunID derives the stable run identifier from the project path.
func RunID(projectDir string) string {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		abs = projectDir
	}
	sum := md5.Sum([]byte(abs))
	return hex.EncodeToString(sum[:])[:12]
}

// Observer writes events for one run. A nil zap logger disables the
// mirror.
type Observer struct {
	store      *store.ProjectStore
	log        *zap.Logger
	runID      string
	projectDir string

	currentSessionID int
	sessionStart     time.Time
}

// EventOptions carries the optional fields of LogEvent.
type EventOptions struct {
	Data         map[string]interface{}
	SessionID    int // 0 means the current session
	FeatureIndex *int
	ToolName     string
	DurationMS   int
}

// NewObserver creates an observer for a project.
func NewObserver(st *store.ProjectStore, projectDir string, log *zap.Logger) *Observer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer{
		store:      st,
		log:        log,
		runID:      RunID(projectDir),
		projectDir: projectDir,
	}
}

func (o *Observer) RunIDString() string { return o.runID }

// LogEvent appends an event and returns its short ID.
func (o *Observer) LogEvent(eventType string, opts EventOptions) (string, error) {
	sid := opts.SessionID
	if sid == 0 {
		sid = o.currentSessionID
	}

	payload := make(map[string]interface{}, len(opts.Data)+2)
	for k, v := range opts.Data {
		payload[k] = v
	}
	if opts.ToolName != "" {
		payload["tool_name"] = opts.ToolName
	}
	if opts.DurationMS > 0 {
		payload["duration_ms"] = opts.DurationMS
	}

	e := store.Event{
		EventID:      uuid.NewString()[:8],
		RunID:        o.runID,
		SessionID:    sid,
		Type:         eventType,
		Source:       "agent",
		FeatureIndex: opts.FeatureIndex,
		Payload:      payload,
	}
	if err := o.store.InsertEvent(e); err != nil {
		return "", err
	}

	fields := []zap.Field{
		zap.String("event_id", e.EventID),
		zap.String("run_id", o.runID),
		zap.Int("session_id", sid),
	}
	if opts.ToolName != "" {
		fields = append(fields, zap.String("tool", opts.ToolName))
	}
	if opts.FeatureIndex != nil {
		fields = append(fields, zap.Int("feature", *opts.FeatureIndex))
	}
	if opts.DurationMS > 0 {
		fields = append(fields, zap.Int("duration_ms", opts.DurationMS))
	}
	o.log.Info(eventType, fields...)

	return e.EventID, nil
}

// StartSession marks a session as running.
func (o *Observer) StartSession(sessionID int) (string, error) {
	o.currentSessionID = sessionID
	o.sessionStart = time.Now().UTC()
	return o.LogEvent(EventSessionStart, EventOptions{
		SessionID: sessionID,
		Data: map[string]interface{}{
			"session_id": sessionID,
			"started_at": o.sessionStart.Format(time.RFC3339),
		},
	})
}

// EndSession closes the current session and resets tracking.
func (o *Observer) EndSession(status, reason string, featuresCompleted []int) (string, error) {
	sid := o.currentSessionID
	var duration float64
	if !o.sessionStart.IsZero() {
		duration = time.Since(o.sessionStart).Seconds()
	}
	if featuresCompleted == nil {
		featuresCompleted = []int{}
	}

	id, err := o.LogEvent(EventSessionEnd, EventOptions{
		SessionID: sid,
		Data: map[string]interface{}{
			"session_id":         sid,
			"status":             status,
			"reason":             reason,
			"duration_seconds":   duration,
			"features_completed": featuresCompleted,
		},
		DurationMS: int(duration * 1000),
	})

	o.currentSessionID = 0
	o.sessionStart = time.Time{}
	return id, err
}

// LogToolCall records a tool invocation. Oversized inputs are replaced
// with a truncation marker and a preview.
func (o *Observer) LogToolCall(toolName string, toolInput map[string]interface{}, featureIndex *int) (string, error) {
	var input interface{} = toolInput
	if raw, err := json.Marshal(toolInput); err == nil && len(raw) > maxToolInputLen {
		input = map[string]interface{}{
			"_truncated": true,
			"_preview":   string(raw[:toolInputPreview]),
		}
	}
	return o.LogEvent(EventToolCall, EventOptions{
		Data:         map[string]interface{}{"tool_input": input},
		ToolName:     toolName,
		FeatureIndex: featureIndex,
	})
}

// LogToolResult records how a tool call finished.
func (o *Observer) LogToolResult(toolName string, success, isError, isBlocked bool, errorMessage string, durationMS int) (string, error) {
	eventType := EventToolResult
	switch {
	case isBlocked:
		eventType = EventToolBlocked
	case isError:
		eventType = EventToolError
	}
	return o.LogEvent(eventType, EventOptions{
		Data: map[string]interface{}{
			"success":       success,
			"is_error":      isError,
			"is_blocked":    isBlocked,
			"error_message": clip(errorMessage, maxErrorResultLen),
		},
		ToolName:   toolName,
		DurationMS: durationMS,
	})
}

// LogFeatureEvent records feature lifecycle progress.
func (o *Observer) LogFeatureEvent(eventType string, featureIndex int, description string, details map[string]interface{}) (string, error) {
	data := map[string]interface{}{"description": clip(description, maxDescriptionLen)}
	for k, v := range details {
		data[k] = v
	}
	return o.LogEvent(eventType, EventOptions{Data: data, FeatureIndex: &featureIndex})
}

// LogError records an error with an optional stack trace.
func (o *Observer) LogError(errorMessage, errorType, stackTrace string, context map[string]interface{}) (string, error) {
	if errorType == "" {
		errorType = "unknown"
	}
	if context == nil {
		context = map[string]interface{}{}
	}
	return o.LogEvent(EventError, EventOptions{
		Data: map[string]interface{}{
			"error_message": clip(errorMessage, maxErrorLen),
			"error_type":    errorType,
			"stack_trace":   clip(stackTrace, maxStackLen),
			"context":       context,
		},
	})
}

// LogDecision records a choice the agent made.
func (o *Observer) LogDecision(decisionType, choice string, alternatives []string, rationale string, confidence float64, featureIndex *int) (string, error) {
	if alternatives == nil {
		alternatives = []string{}
	}
	return o.LogEvent(EventDecision, EventOptions{
		Data: map[string]interface{}{
			"decision_type": decisionType,
			"choice":        choice,
			"alternatives":  alternatives,
			"rationale":     clip(rationale, maxRationaleLen),
			"confidence":    confidence,
		},
		FeatureIndex: featureIndex,
	})
}

// LogGitCommit records a commit made by the checkpoint layer.
func (o *Observer) LogGitCommit(commitHash, message string, filesChanged int) (string, error) {
	return o.LogEvent(EventGitCommit, EventOptions{
		Data: map[string]interface{}{
			"commit_hash":   commitHash,
			"message":       clip(message, maxDescriptionLen),
			"files_changed": filesChanged,
		},
	})
}

// LogUsage records token usage and its estimated cost.
func (o *Observer) LogUsage(inputTokens, outputTokens int, estimatedCostUSD float64) (string, error) {
	return o.LogEvent(EventUsageReport, EventOptions{
		Data: map[string]interface{}{
			"input_tokens":       inputTokens,
			"output_tokens":      outputTokens,
			"estimated_cost_usd": estimatedCostUSD,
		},
	})
}

// Events queries the stream, newest first.
func (o *Observer) Events(filter store.EventFilter) ([]store.Event, error) {
	return o.store.ListEvents(filter)
}

// allEventsOldestFirst loads the full stream in time order.
func (o *Observer) allEventsOldestFirst() ([]store.Event, error) {
	events, err := o.store.ListEvents(store.EventFilter{FeatureIndex: -1})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// FormatEvent renders one event for CLI listings.
func FormatEvent(e store.Event) string {
	parts := []string{
		"[" + e.Timestamp.Format("2006-01-02T15:04:05") + "]",
		e.Type,
	}
	if tool, ok := e.Payload["tool_name"].(string); ok && tool != "" {
		parts = append(parts, "tool="+tool)
	}
	if e.FeatureIndex != nil {
		parts = append(parts, fmt.Sprintf("feature=#%d", *e.FeatureIndex))
	}
	if ms := payloadInt(e.Payload, "duration_ms"); ms > 0 {
		parts = append(parts, fmt.Sprintf("(%dms)", ms))
	}
	return strings.Join(parts, " ")
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// payloadInt reads a numeric payload field; JSON round-trips numbers as
// float64.
func payloadInt(p map[string]interface{}, key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func payloadFloat(p map[string]interface{}, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

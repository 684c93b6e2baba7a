// Package human provides the injection points where a person can steer
// the agent: decisions, approvals, guidance, reviews and redirects. A
// request blocks until someone answers through the CLI or a response
// file, the timeout default fires, or the context is cancelled.
package human

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"arcadiaforge/internal/escalation"
	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Injection point types.
const (
	TypeDecision = "decision"
	TypeApproval = "approval"
	TypeGuidance = "guidance"
	TypeReview   = "review"
	TypeRedirect = "redirect"
)

const (
	DefaultTimeoutSeconds = 300
	DefaultSeverity       = 3
)

// Stall escalations offer these choices when the agent is stuck.
var EscalationOptions = []string{"Continue anyway", "Skip blocked features", "Stop agent"}

const (
	EscalationDefault        = "Continue anyway"
	EscalationTimeoutSeconds = 60
)

// Request carries the optional fields of RequestInput.
type Request struct {
	Context        map[string]interface{}
	Options        []string
	Recommendation string

	TimeoutSeconds   int    // default 300
	DefaultOnTimeout string // empty means wait indefinitely

	Message          string
	Severity         int // 1-5, default 3
	EscalationRuleID string
}

// Response is the outcome of an injection request.
type Response struct {
	PointID     string
	Responded   bool
	Response    string
	RespondedBy string // human, timeout_default, cancelled, pause_requested
	Timestamp   time.Time
}

// Interface manages injection points for one project. Responses arrive
// through the store (the respond CLI) or as files dropped into
// .arcadia/responses/; a watcher on that directory cuts poll latency.
type Interface struct {
	// PollInterval is how often the store is re-checked while waiting.
	PollInterval time.Duration

	store      *store.ProjectStore
	projectDir string
	sessionID  int
	paused     atomic.Bool
}

func New(st *store.ProjectStore, projectDir string, sessionID int) *Interface {
	return &Interface{
		PollInterval: time.Second,
		store:        st,
		projectDir:   projectDir,
		sessionID:    sessionID,
	}
}

func (h *Interface) SetSessionID(sessionID int) { h.sessionID = sessionID }

// RequestPause asks any in-flight request to return with its default.
// Safe to call from a signal handler goroutine.
func (h *Interface) RequestPause() { h.paused.Store(true) }

// PauseRequested reports whether a pause was requested.
func (h *Interface) PauseRequested() bool { return h.paused.Load() }

func (h *Interface) responsesDir() string {
	return filepath.Join(h.projectDir, ".arcadia", "responses")
}

// RequestInput creates an injection point and blocks until it is
// answered, its timeout default fires, or ctx is cancelled. Without a
// timeout default the wait is indefinite.
func (h *Interface) RequestInput(ctx context.Context, pointType string, req Request) (*Response, error) {
	seq, err := h.store.NextInjectionSeq()
	if err != nil {
		return nil, err
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if req.Severity == 0 {
		req.Severity = DefaultSeverity
	}

	p := store.InjectionPoint{
		PointID:          fmt.Sprintf("INJ-%d-%d", h.sessionID, seq),
		SessionID:        h.sessionID,
		PointType:        pointType,
		Context:          req.Context,
		Options:          req.Options,
		Recommendation:   req.Recommendation,
		TimeoutSeconds:   req.TimeoutSeconds,
		DefaultOnTimeout: req.DefaultOnTimeout,
		Message:          req.Message,
		Severity:         req.Severity,
		EscalationRuleID: req.EscalationRuleID,
	}
	if err := h.store.InsertInjectionPoint(p); err != nil {
		return nil, err
	}

	logging.Human("Input requested: %s", FormatRequest(p))
	return h.wait(ctx, p)
}

// wait polls the store for an answer, with a directory watcher to pick
// up file responses the moment they land.
func (h *Interface) wait(ctx context.Context, p store.InjectionPoint) (*Response, error) {
	deadline := time.Now().Add(time.Duration(p.TimeoutSeconds) * time.Second)
	hasDefault := p.DefaultOnTimeout != ""

	events, stopWatch := h.watchResponses()
	defer stopWatch()

	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()

	for {
		h.consumeResponseFile(p.PointID)

		current, err := h.store.GetInjectionPoint(p.PointID)
		if err != nil {
			return nil, err
		}
		if current != nil && current.Status != "pending" {
			answer := current.Response
			if answer == "" {
				answer = p.Recommendation
			}
			return &Response{
				PointID:     p.PointID,
				Responded:   current.Status == "responded",
				Response:    answer,
				RespondedBy: current.RespondedBy,
				Timestamp:   time.Now().UTC(),
			}, nil
		}

		if h.paused.Load() {
			answer := p.DefaultOnTimeout
			if answer == "" {
				answer = p.Recommendation
			}
			h.store.RespondToInjection(p.PointID, answer, "pause_requested", "timeout")
			return &Response{
				PointID:     p.PointID,
				Response:    answer,
				RespondedBy: "pause_requested",
				Timestamp:   time.Now().UTC(),
			}, nil
		}

		if hasDefault && time.Now().After(deadline) {
			h.store.RespondToInjection(p.PointID, p.DefaultOnTimeout, "timeout_default", "timeout")
			logging.Human("No response for %s, using default: %s", p.PointID, p.DefaultOnTimeout)
			return &Response{
				PointID:     p.PointID,
				Response:    p.DefaultOnTimeout,
				RespondedBy: "timeout_default",
				Timestamp:   time.Now().UTC(),
			}, nil
		}

		select {
		case <-ctx.Done():
			h.store.RespondToInjection(p.PointID, "", "cancelled", "cancelled")
			return nil, ctx.Err()
		case <-events:
		case <-ticker.C:
		}
	}
}

// watchResponses returns a channel that fires on response-dir activity
// and a stop function. A nil channel (watcher unavailable) degrades to
// plain polling.
func (h *Interface) watchResponses() (<-chan struct{}, func()) {
	noop := func() {}
	dir := h.responsesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, noop
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, noop
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, noop
	}

	events := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case events <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return events, func() { watcher.Close() }
}

// consumeResponseFile records a response dropped as a file named after
// the point ID, then removes the file.
func (h *Interface) consumeResponseFile(pointID string) {
	for _, name := range []string{pointID + ".txt", pointID} {
		path := filepath.Join(h.responsesDir(), name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		answer := strings.TrimSpace(string(data))
		if answer == "" {
			continue
		}
		if ok, _ := h.store.RespondToInjection(pointID, answer, "human", "responded"); ok {
			logging.Human("Response file picked up for %s", pointID)
		}
		os.Remove(path)
		return
	}
}

// Respond records a human answer to a pending point. Returns false
// when the point is unknown or no longer pending.
func (h *Interface) Respond(pointID, response string) (bool, error) {
	ok, err := h.store.RespondToInjection(pointID, response, "human", "responded")
	if ok {
		logging.Human("Response recorded for %s", pointID)
	}
	return ok, err
}

// Cancel withdraws a pending point.
func (h *Interface) Cancel(pointID string) (bool, error) {
	return h.store.RespondToInjection(pointID, "", "cancelled", "cancelled")
}

// Get returns a point by ID, nil when unknown.
func (h *Interface) Get(pointID string) (*store.InjectionPoint, error) {
	return h.store.GetInjectionPoint(pointID)
}

// Pending returns points still awaiting a response, newest first.
func (h *Interface) Pending() ([]store.InjectionPoint, error) {
	return h.store.ListInjectionPoints("pending", 0)
}

// History returns points newest first. sessionID -1 means all sessions.
func (h *Interface) History(sessionID, limit int) ([]store.InjectionPoint, error) {
	all, err := h.store.ListInjectionPoints("", 0)
	if err != nil {
		return nil, err
	}
	var out []store.InjectionPoint
	for _, p := range all {
		if sessionID >= 0 && p.SessionID != sessionID {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stats aggregates the injection table.
func (h *Interface) Stats() (*store.InjectionStats, error) {
	return h.store.GetInjectionStats()
}

// FromEscalation builds the request for a triggered escalation rule.
func FromEscalation(res escalation.Result) Request {
	return Request{
		Context:          res.Context,
		Options:          res.Rule.SuggestedActions,
		Recommendation:   res.RecommendedAction,
		TimeoutSeconds:   res.Rule.TimeoutSeconds,
		DefaultOnTimeout: res.Rule.DefaultAction,
		Message:          res.Message,
		Severity:         res.Rule.Severity,
		EscalationRuleID: res.Rule.RuleID,
	}
}

// RequestStallDecision asks what to do when the agent is stuck, using
// the standard stall options and a short timeout.
func (h *Interface) RequestStallDecision(ctx context.Context, reason string) (*Response, error) {
	return h.RequestInput(ctx, TypeDecision, Request{
		Context:          map[string]interface{}{"reason": reason},
		Options:          EscalationOptions,
		Recommendation:   EscalationDefault,
		TimeoutSeconds:   EscalationTimeoutSeconds,
		DefaultOnTimeout: EscalationDefault,
		Message:          "Agent appears stuck: " + reason,
		Severity:         4,
	})
}

// IsPending reports whether a point still awaits a response.
func IsPending(p store.InjectionPoint) bool {
	return p.Status == "pending"
}

// FormatRequest renders the banner shown when input is requested.
func FormatRequest(p store.InjectionPoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s (severity %d)", p.PointID, p.PointType, p.Severity)
	if p.Message != "" {
		fmt.Fprintf(&b, "\n  %s", p.Message)
	}
	if p.Recommendation != "" {
		fmt.Fprintf(&b, "\n  Recommendation: %s", p.Recommendation)
	}
	for i, opt := range p.Options {
		marker := ""
		if opt == p.Recommendation {
			marker = " (recommended)"
		}
		fmt.Fprintf(&b, "\n  %d. %s%s", i+1, opt, marker)
	}
	if p.DefaultOnTimeout != "" {
		fmt.Fprintf(&b, "\n  Timeout: %ds, default: %s", p.TimeoutSeconds, p.DefaultOnTimeout)
	} else {
		b.WriteString("\n  No timeout default, waiting for response")
	}
	fmt.Fprintf(&b, "\n  Respond with: arcadia respond %s \"<choice>\"", p.PointID)
	return b.String()
}

// Summary renders the one-line form used in listings.
func Summary(p store.InjectionPoint) string {
	status := "PENDING"
	if !IsPending(p) {
		status = fmt.Sprintf("RESPONDED (%s)", p.RespondedBy)
	}
	rec := p.Recommendation
	if len(rec) > 30 {
		rec = rec[:30] + "..."
	}
	return fmt.Sprintf("[%s] %s (%s): %s", p.PointID, p.PointType, status, rec)
}

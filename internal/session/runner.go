package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"arcadiaforge/internal/autonomy"
	"arcadiaforge/internal/checkpoint"
	"arcadiaforge/internal/config"
	"arcadiaforge/internal/feature"
	"arcadiaforge/internal/human"
	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/memory"
	"arcadiaforge/internal/observability"
	"arcadiaforge/internal/risk"
)

// Session statuses the orchestrator dispatches on.
const (
	StatusContinue     = "continue"
	StatusComplete     = "complete"
	StatusIntervention = "intervention"
	StatusError        = "error"
	StatusAuthError    = "auth_error"
)

const (
	maxResultPreviewLen = 1200
	maxErrorTextLen     = 500
	maxErrorLogLen      = 200
)

// stopPatterns match explicit statements that the agent cannot proceed
// without a human. Any match ends the run with StatusIntervention.
var stopPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)I\s+(cannot|can't|am unable to)\s+(continue|proceed|complete)\s+(this|the)\s+(task|project|work)`),
	regexp.MustCompile(`(?i)stopping\s+(here|now)\s+(because|as|since)`),
	regexp.MustCompile(`(?i)human\s+intervention\s+(is\s+)?(required|needed|necessary)`),
	regexp.MustCompile(`(?i)please\s+(manually|yourself)\s+(configure|set up|provide|add)`),
	regexp.MustCompile(`(?i)you\s+(will\s+)?need\s+to\s+(manually|yourself)`),
	regexp.MustCompile(`(?i)requires?\s+(your|manual|human)\s+(intervention|action|input)`),
}

// completionPatterns match completion claims. A claim alone never
// completes the run; the feature store must confirm it.
var completionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)all\s+\d+\s+tests?\s+(are\s+)?(now\s+)?pass`),
	regexp.MustCompile(`(?i)all\s+tests?\s+(are\s+)?(now\s+)?passing`),
	regexp.MustCompile(`(?i)project\s+(is\s+)?(now\s+)?(complete|finished|done)`),
	regexp.MustCompile(`(?i)100%\s+(of\s+)?(tests?\s+)?(complete|passing|done)`),
}

// authMarkers identify credential failures inside client errors. These
// are never retried.
var authMarkers = []string{
	"authentication_error",
	"invalid bearer token",
	"invalid api key",
	"invalid_api_key",
	"401",
	"unauthorized",
}

// blockMarkers identify security refusals inside error results.
var blockMarkers = []string{
	"blocked",
	"not in the allowed",
	"not allowed",
	"permission denied",
	"access denied",
}

// Options wire the session runner to the rest of the system. Every
// component is optional; a nil component skips its gate or record.
type Options struct {
	Tools       Dispatcher
	Features    *feature.List
	Risk        *risk.Classifier
	Autonomy    *autonomy.Manager
	Human       *human.Interface
	Memory      *memory.Manager
	Checkpoints *checkpoint.Manager
	Observer    *observability.Observer
	Budget      config.BudgetConfig
	SessionID   int

	// CheckStop and CheckCompletion enable post-stream detection. The
	// orchestrator enables both for coding sessions and disables them
	// for audit sub-sessions.
	CheckStop       bool
	CheckCompletion bool
}

// Result is the reduced outcome of one session.
type Result struct {
	Status          string
	ResponseText    string
	ErrorTexts      []string
	BlockedCommands []string
	Reason          string
	ToolCalls       int
	ToolErrors      int
	ToolBlocked     int
}

type pendingTool struct {
	name     string
	inputStr string
	started  time.Time
}

// Run sends one prompt through the client and consumes the stream until
// the assistant yields control. Failures are folded into Result.Status;
// Run never panics the loop.
func Run(ctx context.Context, client Client, prompt string, opts Options) Result {
	res := Result{Status: StatusContinue}
	if client == nil {
		res.Status = StatusError
		res.Reason = "no assistant client configured"
		return res
	}

	gate := &gatedDispatcher{base: opts.Tools, opts: &opts}
	pending := make(map[string]pendingTool)
	var fifo []string
	toolSeq := 0
	var responseText strings.Builder

	for msg, err := range client.Run(ctx, prompt, gate) {
		if err != nil {
			res.ResponseText = responseText.String()
			return classifyStreamError(err, res, opts)
		}
		switch {
		case msg.ToolUse != nil:
			toolSeq++
			id := msg.ToolUse.ID
			if id == "" {
				id = fmt.Sprintf("tool-%d", toolSeq)
			}
			handleToolUse(&res, &opts, id, msg.ToolUse, pending)
			fifo = append(fifo, id)

		case msg.ToolResult != nil:
			id, st := matchPending(msg.ToolResult.ToolUseID, pending, &fifo)
			delete(pending, id)
			handleToolResult(&res, &opts, st, msg.ToolResult)

		case msg.Usage != nil:
			cost := opts.Budget.Cost(msg.Usage.InputTokens, msg.Usage.OutputTokens)
			logging.SessionDebug("usage: in=%d out=%d cost=$%.4f",
				msg.Usage.InputTokens, msg.Usage.OutputTokens, cost)
			if opts.Observer != nil {
				opts.Observer.LogUsage(msg.Usage.InputTokens, msg.Usage.OutputTokens, cost)
			}

		case msg.Text != "":
			responseText.WriteString(msg.Text)
		}
	}

	res.ResponseText = responseText.String()
	if opts.CheckStop {
		if reason, ok := checkStop(res.ResponseText); ok {
			res.Status = StatusIntervention
			res.Reason = reason
			logging.Session("explicit stop detected: %s", reason)
			return res
		}
	}
	if opts.CheckCompletion {
		if reason, ok := checkCompletion(res.ResponseText, opts.Features); ok {
			res.Status = StatusComplete
			res.Reason = reason
			logging.Session("completion verified: %s", reason)
			return res
		}
	}
	return res
}

func handleToolUse(res *Result, opts *Options, id string, use *ToolCall, pending map[string]pendingTool) {
	res.ToolCalls++
	inputStr := inputSummary(use.Name, use.Input)
	pending[id] = pendingTool{name: use.Name, inputStr: inputStr, started: time.Now()}
	logging.Session("tool call %s: %s", use.Name, clip(inputStr, maxErrorTextLen))

	if opts.Risk != nil {
		a := opts.Risk.Assess(use.Name, use.Input)
		if a.Level >= risk.High {
			logging.SessionWarn("high-risk action: %s (level %s)", a.Action, a.Level)
		}
		if a.RequiresCheckpoint && opts.Checkpoints != nil {
			_, err := opts.Checkpoints.Create(checkpoint.TriggerBeforeRiskyOp, opts.SessionID, checkpoint.CreateOptions{
				Metadata: map[string]interface{}{"tool": use.Name, "action": a.Action},
			})
			if err != nil {
				logging.SessionWarn("checkpoint before risky op failed: %v", err)
			}
		}
	}
	if opts.Observer != nil {
		opts.Observer.LogToolCall(use.Name, use.Input, nil)
	}
}

func handleToolResult(res *Result, opts *Options, st pendingTool, result *ToolResult) {
	durationMS := 0
	if !st.started.IsZero() {
		durationMS = int(time.Since(st.started).Milliseconds())
	}
	content := result.Content
	preview := content
	if len(preview) > maxResultPreviewLen {
		preview = preview[:maxResultPreviewLen] + "\n... (truncated)"
	}
	logging.SessionDebug("tool result %s (error=%v): %s", st.name, result.IsError, preview)

	blocked := result.IsError && containsAny(strings.ToLower(content), blockMarkers)
	switch {
	case blocked:
		res.ToolBlocked++
		res.BlockedCommands = append(res.BlockedCommands, st.inputStr)
		logging.SessionWarn("tool blocked: %s", st.inputStr)
		if opts.Observer != nil {
			opts.Observer.LogToolResult(st.name, false, true, true, clip(content, maxErrorLogLen), durationMS)
		}
		if opts.Autonomy != nil {
			opts.Autonomy.RecordOutcome(false)
		}
		recordMemoryError(opts, "tool_blocked", content)

	case result.IsError:
		res.ToolErrors++
		res.ErrorTexts = append(res.ErrorTexts, clip(content, maxErrorTextLen))
		if opts.Observer != nil {
			opts.Observer.LogToolResult(st.name, false, true, false, clip(content, maxErrorLogLen), durationMS)
		}
		if opts.Autonomy != nil {
			opts.Autonomy.RecordOutcome(false)
		}
		recordMemoryError(opts, "tool_error", content)

	default:
		if opts.Observer != nil {
			opts.Observer.LogToolResult(st.name, true, false, false, "", durationMS)
		}
		if opts.Autonomy != nil {
			opts.Autonomy.RecordOutcome(true)
		}
	}
}

// matchPending resolves a tool result to its call, preferring the id and
// falling back to FIFO order for clients that do not assign ids.
func matchPending(id string, pending map[string]pendingTool, fifo *[]string) (string, pendingTool) {
	if st, ok := pending[id]; ok {
		for i, fid := range *fifo {
			if fid == id {
				*fifo = append((*fifo)[:i], (*fifo)[i+1:]...)
				break
			}
		}
		return id, st
	}
	if len(*fifo) > 0 {
		first := (*fifo)[0]
		*fifo = (*fifo)[1:]
		return first, pending[first]
	}
	return id, pendingTool{name: "unknown"}
}

func recordMemoryError(opts *Options, errorType, content string) {
	if opts.Memory == nil {
		return
	}
	if _, err := opts.Memory.RecordError(errorType, clip(content, maxErrorTextLen), nil); err != nil {
		logging.SessionWarn("record %s to memory failed: %v", errorType, err)
	}
}

func classifyStreamError(err error, res Result, opts Options) Result {
	msg := err.Error()
	if isAuthError(msg) {
		res.Status = StatusAuthError
		res.Reason = fmt.Sprintf("Authentication error: %v", err)
		logging.SessionError("authentication failed: %v", err)
		if opts.Observer != nil {
			opts.Observer.LogError(msg, "auth_error", "", map[string]interface{}{
				"hint": "set ARCADIA_API_KEY or GEMINI_API_KEY",
			})
		}
		return res
	}
	res.Status = StatusError
	res.Reason = fmt.Sprintf("Session error: %v", err)
	logging.SessionError("session stream failed: %v", err)
	if opts.Observer != nil {
		opts.Observer.LogError(msg, "session_error", "", nil)
	}
	return res
}

func isAuthError(msg string) bool {
	return containsAny(strings.ToLower(msg), authMarkers)
}

func checkStop(text string) (string, bool) {
	for _, re := range stopPatterns {
		if m := re.FindString(text); m != "" {
			return fmt.Sprintf("Agent indicated stop: '%s'", m), true
		}
	}
	return "", false
}

// checkCompletion reports completion only when the feature store backs
// the claim with every feature passing.
func checkCompletion(text string, features *feature.List) (string, bool) {
	if features == nil {
		return "", false
	}
	stats, err := features.Stats()
	if err != nil {
		logging.SessionWarn("completion check: feature stats failed: %v", err)
		return "", false
	}
	if stats.Total > 0 && stats.Passing == stats.Total {
		return fmt.Sprintf("All %d tests passing - project complete!", stats.Total), true
	}
	for _, re := range completionPatterns {
		if re.MatchString(text) {
			logging.SessionWarn("completion claimed but only %d/%d tests passing", stats.Passing, stats.Total)
			break
		}
	}
	return "", false
}

// gatedDispatcher runs the autonomy and approval gates before handing a
// call to the real tool executor.
type gatedDispatcher struct {
	base Dispatcher
	opts *Options
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, call ToolCall) ToolOutput {
	if g.opts.Autonomy != nil {
		decision := g.opts.Autonomy.CheckAction(call.Name, call.Input, 1.0)
		if !decision.Allowed || decision.RequiresApproval {
			if out, proceed := g.resolveGate(ctx, call, decision); !proceed {
				return out
			}
		}
	}
	if g.base == nil {
		return ToolOutput{Content: "no tool dispatcher configured", IsError: true}
	}
	return g.base.Dispatch(ctx, call)
}

// resolveGate settles a denied or approval-gated call through human
// injection. A denial stands unless a human overrides it; an
// approval-gated call proceeds unless a human objects before the
// timeout.
func (g *gatedDispatcher) resolveGate(ctx context.Context, call ToolCall, decision autonomy.Decision) (ToolOutput, bool) {
	blocked := ToolOutput{
		Content: fmt.Sprintf("Blocked by autonomy policy: %s", decision.Reason),
		IsError: true,
	}
	if g.opts.Human == nil {
		if !decision.Allowed {
			logging.Session("autonomy blocked %s: %s", call.Name, decision.Reason)
			return blocked, false
		}
		return ToolOutput{}, true
	}

	message := fmt.Sprintf("Approve tool call %s? %s", call.Name, decision.Reason)
	verdict := "approve"
	if !decision.Allowed {
		message = fmt.Sprintf("Tool call %s exceeds the current autonomy level: %s. Override?", call.Name, decision.Reason)
		verdict = "deny"
	}

	req := human.Request{
		Message:          message,
		Context:          map[string]interface{}{"tool": call.Name, "input": inputSummary(call.Name, call.Input)},
		Options:          []string{"approve", "deny"},
		Recommendation:   verdict,
		Severity:         4,
		TimeoutSeconds:   human.EscalationTimeoutSeconds,
		DefaultOnTimeout: verdict,
	}
	resp, err := g.opts.Human.RequestInput(ctx, human.TypeApproval, req)
	if err != nil {
		logging.SessionWarn("approval request failed: %v", err)
		if !decision.Allowed {
			return blocked, false
		}
		return ToolOutput{}, true
	}
	if resp != nil && isDenial(resp.Response) {
		logging.Session("denied %s: %s", call.Name, resp.Response)
		if !decision.Allowed {
			return blocked, false
		}
		return ToolOutput{
			Content: fmt.Sprintf("Blocked by human reviewer: %s", resp.Response),
			IsError: true,
		}, false
	}
	return ToolOutput{}, true
}

func isDenial(response string) bool {
	r := strings.ToLower(strings.TrimSpace(response))
	if r == "no" || r == "n" {
		return true
	}
	for _, p := range []string{"deny", "reject", "block", "stop"} {
		if strings.HasPrefix(r, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package session drives a single assistant conversation: it sends one
// prompt, consumes the streamed reply, gates every tool call through the
// risk and autonomy layers, and reduces the exchange to a SessionResult
// the orchestrator can dispatch on.
package session

import (
	"context"
	"encoding/json"
	"iter"
)

// ToolCall is one tool invocation requested by the assistant.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ToolOutput is the outcome of executing a ToolCall. IsError covers both
// execution failures and security refusals; the runner tells them apart
// by content markers.
type ToolOutput struct {
	Content string
	IsError bool
}

// Dispatcher executes tool calls on behalf of the assistant. The runner
// wraps the configured dispatcher with its own gates before handing it
// to the client, so implementations only run the tool.
type Dispatcher interface {
	Dispatch(ctx context.Context, call ToolCall) ToolOutput
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, call ToolCall) ToolOutput

func (f DispatcherFunc) Dispatch(ctx context.Context, call ToolCall) ToolOutput {
	return f(ctx, call)
}

// ToolResult reports a finished tool call back into the stream.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Usage reports token consumption for one model turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Message is one streamed event from the assistant client. Exactly one
// field is set.
type Message struct {
	Text       string
	ToolUse    *ToolCall
	ToolResult *ToolResult
	Usage      *Usage
}

// Client is an assistant that can run one prompt to completion. A client
// must emit the ToolUse message before invoking the dispatcher for that
// call, and a matching ToolResult after, so the runner observes calls in
// dispatch order.
type Client interface {
	Run(ctx context.Context, prompt string, tools Dispatcher) iter.Seq2[*Message, error]
	Close() error
}

// inputSummary renders a tool input for history and block records. Bash
// inputs reduce to the command line; everything else serializes compact.
func inputSummary(name string, input map[string]interface{}) string {
	if cmd, ok := input["command"].(string); ok && cmd != "" {
		return cmd
	}
	b, err := json.Marshal(input)
	if err != nil {
		return name
	}
	return string(b)
}

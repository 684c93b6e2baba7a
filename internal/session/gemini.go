package session

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"arcadiaforge/internal/logging"
)

// DefaultMaxTurns bounds the tool-call round trips in a single Run so a
// misbehaving model cannot loop forever.
const DefaultMaxTurns = 1000

// GeminiOptions configure the genai-backed assistant client.
type GeminiOptions struct {
	APIKey       string
	Model        string
	SystemPrompt string

	// Tools the model may call. Execution happens through the Dispatcher
	// passed to Run, not here.
	Tools []*genai.FunctionDeclaration

	Temperature     float32
	MaxOutputTokens int32
	MaxTurns        int
}

// GeminiClient drives a Gemini conversation with function calling. It
// keeps the dialog history for the lifetime of the client, so one client
// maps to one session.
type GeminiClient struct {
	client  *genai.Client
	opts    GeminiOptions
	history []*genai.Content
}

// NewGeminiClient connects to the Gemini API. The context is used only
// for client setup.
func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("gemini client: model name is required")
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: opts.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, opts: opts}, nil
}

// Close releases client resources.
func (c *GeminiClient) Close() error {
	return nil
}

// Run sends the prompt and streams the assistant's reply. Function calls
// are executed through tools and their responses fed back to the model
// until it produces a turn with no calls.
func (c *GeminiClient) Run(ctx context.Context, prompt string, tools Dispatcher) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		c.history = append(c.history, &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		})
		config := c.generateConfig()

		for turn := 0; turn < c.opts.MaxTurns; turn++ {
			var (
				text  strings.Builder
				calls []*genai.FunctionCall
				usage *Usage
			)
			for resp, err := range c.client.Models.GenerateContentStream(ctx, c.opts.Model, c.history, config) {
				if err != nil {
					yield(nil, err)
					return
				}
				if resp.UsageMetadata != nil {
					usage = &Usage{
						InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
						OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					}
				}
				if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
					continue
				}
				for _, part := range resp.Candidates[0].Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" && !part.Thought {
						text.WriteString(part.Text)
						if !yield(&Message{Text: part.Text}, nil) {
							return
						}
					}
					if part.FunctionCall != nil {
						calls = append(calls, part.FunctionCall)
					}
				}
			}
			if usage != nil {
				if !yield(&Message{Usage: usage}, nil) {
					return
				}
			}

			c.history = append(c.history, modelTurn(text.String(), calls))
			if len(calls) == 0 {
				return
			}

			responses := make([]*genai.Part, 0, len(calls))
			for _, fc := range calls {
				call := ToolCall{ID: fc.ID, Name: fc.Name, Input: fc.Args}
				if !yield(&Message{ToolUse: &call}, nil) {
					return
				}
				out := ToolOutput{Content: "no tool dispatcher configured", IsError: true}
				if tools != nil {
					out = tools.Dispatch(ctx, call)
				}
				if !yield(&Message{ToolResult: &ToolResult{
					ToolUseID: fc.ID,
					Content:   out.Content,
					IsError:   out.IsError,
				}}, nil) {
					return
				}
				responses = append(responses, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       fc.ID,
					Name:     fc.Name,
					Response: functionResponseMap(out),
				}})
			}
			c.history = append(c.history, &genai.Content{Role: "user", Parts: responses})
		}
		logging.SessionWarn("gemini client hit max turns (%d), ending conversation", c.opts.MaxTurns)
	}
}

func (c *GeminiClient) generateConfig() *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if c.opts.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: c.opts.SystemPrompt}},
		}
	}
	if c.opts.Temperature > 0 {
		config.Temperature = genai.Ptr(c.opts.Temperature)
	}
	if c.opts.MaxOutputTokens > 0 {
		config.MaxOutputTokens = c.opts.MaxOutputTokens
	}
	if len(c.opts.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: c.opts.Tools}}
	}
	return config
}

// modelTurn assembles the assistant turn for the dialog history.
func modelTurn(text string, calls []*genai.FunctionCall) *genai.Content {
	parts := make([]*genai.Part, 0, len(calls)+1)
	if text != "" {
		parts = append(parts, &genai.Part{Text: text})
	}
	for _, fc := range calls {
		parts = append(parts, &genai.Part{FunctionCall: fc})
	}
	if len(parts) == 0 {
		parts = append(parts, &genai.Part{Text: ""})
	}
	return &genai.Content{Role: "model", Parts: parts}
}

func functionResponseMap(out ToolOutput) map[string]any {
	if out.IsError {
		return map[string]any{"error": out.Content}
	}
	return map[string]any{"output": out.Content}
}

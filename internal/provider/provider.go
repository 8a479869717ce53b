// Package provider implements the LLM provider abstraction: one client per
// wire protocol (Anthropic Messages, OpenAI Chat Completions, OpenAI
// Responses), each normalizing onto the shared streamevent.Event stream.
package provider

import (
	"context"
	"encoding/json"

	"agentcore/internal/provider/streamevent"
	"agentcore/pkg/types"
)

// Provider is an LLM backend capable of producing a normalized event stream.
type Provider interface {
	// ID returns the provider identifier used in "provider/model" strings.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of models this provider exposes.
	Models() []types.Model

	// CreateCompletion starts a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// Message is a single turn in the conversation sent to the provider.
type Message struct {
	Role    string // "user" | "assistant" | "system" | "tool"
	Content string

	// ToolCalls is populated on assistant messages that invoked tools.
	ToolCalls []ToolCall

	// ToolCallID and ToolName identify which call a "tool" role message
	// is the result of.
	ToolCallID string
	ToolName   string
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolInfo describes a tool available for the model to call.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	System      string
	Tools       []ToolInfo
	MaxTokens   int
	Temperature float64
	TopP        float64
	StopWords   []string

	// EnableDeepThinking requests a reasoning pass. Only honored by
	// providers whose model supports it.
	EnableDeepThinking bool
}

// CompletionStream yields normalized stream events from a provider.
type CompletionStream struct {
	events chan streamevent.Event
	cancel context.CancelFunc
}

// NewCompletionStream wires an event channel and cancel func produced by a
// provider's background reader goroutine into a CompletionStream.
func NewCompletionStream(events chan streamevent.Event, cancel context.CancelFunc) *CompletionStream {
	return &CompletionStream{events: events, cancel: cancel}
}

// Recv receives the next event from the stream. Returns ok == false once
// the stream is exhausted.
func (s *CompletionStream) Recv() (streamevent.Event, bool) {
	ev, ok := <-s.events
	return ev, ok
}

// Close cancels the underlying request and drains the channel.
func (s *CompletionStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	for range s.events {
	}
}

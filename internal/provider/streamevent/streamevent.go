// Package streamevent defines the Anthropic-shaped event stream that every
// provider client normalizes into, regardless of the wire protocol actually
// spoken with the upstream API (Anthropic Messages, OpenAI Chat Completions,
// or OpenAI Responses).
package streamevent

import "encoding/json"

// Event is the sum type emitted by a provider stream; each Event is exactly
// one of the concrete types below, told apart with a type switch.
type Event interface {
	streamEvent()
}

// MessageStart opens a new assistant message.
type MessageStart struct {
	ID    string
	Model string
	Usage Usage
}

func (MessageStart) streamEvent() {}

// ContentBlockStart opens a content block at Index. ToolID and ToolUse are
// set only when Kind is BlockToolUse.
type ContentBlockStart struct {
	Index   int
	Kind    BlockKind
	ToolID  string // set when Kind == BlockToolUse
	ToolUse string // tool name, set when Kind == BlockToolUse
}

func (ContentBlockStart) streamEvent() {}

// ContentBlockDelta carries incremental content for the block at Index.
type ContentBlockDelta struct {
	Index        int
	Kind         BlockKind
	TextDelta    string          // Kind == BlockText
	ThinkingText string          // Kind == BlockThinking
	PartialJSON  string          // Kind == BlockToolUse, raw JSON fragment to append
	Signature    string          // Kind == BlockThinking, set on the final delta only
}

func (ContentBlockDelta) streamEvent() {}

// ContentBlockStop closes the block at Index.
type ContentBlockStop struct {
	Index int
}

func (ContentBlockStop) streamEvent() {}

// MessageDelta carries top-level message fields that only become known
// partway through the stream, such as stop_reason.
type MessageDelta struct {
	StopReason string
	Usage      Usage
}

func (MessageDelta) streamEvent() {}

// MessageStop ends the message; no further events follow for this stream.
type MessageStop struct{}

func (MessageStop) streamEvent() {}

// Ping is a keepalive with no semantic content.
type Ping struct{}

func (Ping) streamEvent() {}

// Error terminates the stream abnormally.
type Error struct {
	Message   string
	Retryable bool
}

func (Error) streamEvent() {}

func (e Error) Error() string { return e.Message }

// BlockKind identifies the kind of a content block.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockToolUse  BlockKind = "tool_use"
	BlockThinking BlockKind = "thinking"
)

// Usage carries token accounting, reported incrementally by some providers
// (on MessageStart) and finalized by others (on MessageDelta).
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// ToolUseInput parses an accumulated PartialJSON buffer into structured
// input once a tool_use block closes. Returns a nil map (not an error) for
// an empty buffer, matching how providers represent a no-argument call.
func ToolUseInput(buffered string) (map[string]any, error) {
	if buffered == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(buffered), &input); err != nil {
		return nil, err
	}
	return input, nil
}

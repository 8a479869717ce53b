package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"agentcore/internal/provider/streamevent"
	"agentcore/pkg/types"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com/v1/messages"
const anthropicVersion = "2023-06-01"

// AnthropicProvider talks to the Anthropic Messages API directly over
// net/http, parsing the server-sent event stream into streamevent.Event.
type AnthropicProvider struct {
	id      string
	apiKey  string
	baseURL string
	models  []types.Model
	client  *http.Client
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// ID is the provider identifier (e.g. "anthropic"). Defaults to "anthropic".
	ID      string
	APIKey  string
	BaseURL string
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(ctx context.Context, config *AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	id := config.ID
	if id == "" {
		id = "anthropic"
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}

	return &AnthropicProvider{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		models:  anthropicModels(id),
		client:  &http.Client{Timeout: 0}, // streaming: no overall deadline
	}, nil
}

func (p *AnthropicProvider) ID() string           { return p.id }
func (p *AnthropicProvider) Name() string         { return "Anthropic" }
func (p *AnthropicProvider) Models() []types.Model { return p.models }

// anthropicWireMessage mirrors the Messages API request body shape.
type anthropicWireMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model       string                  `json:"model"`
	Messages    []anthropicWireMessage  `json:"messages"`
	System      string                  `json:"system,omitempty"`
	MaxTokens   int                     `json:"max_tokens"`
	Temperature float64                 `json:"temperature,omitempty"`
	TopP        float64                 `json:"top_p,omitempty"`
	StopSeqs    []string                `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool         `json:"tools,omitempty"`
	Stream      bool                    `json:"stream"`
}

// CreateCompletion starts a streaming completion against the Messages API.
func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	body := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.StopWords,
		Stream:      true,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, convertToAnthropicMessage(m))
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errBody bytes.Buffer
		errBody.ReadFrom(resp.Body)
		cancel()
		return nil, fmt.Errorf("anthropic returned %d: %s", resp.StatusCode, errBody.String())
	}

	events := make(chan streamevent.Event, 16)
	go readAnthropicSSE(reqCtx, resp.Body, events)

	return NewCompletionStream(events, cancel), nil
}

func convertToAnthropicMessage(m Message) anthropicWireMessage {
	role := m.Role
	if role == "tool" {
		role = "user"
		return anthropicWireMessage{
			Role: role,
			Content: []anthropicContentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}},
		}
	}

	blocks := make([]anthropicContentBlock, 0, 1+len(m.ToolCalls))
	if m.Content != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Input,
		})
	}
	return anthropicWireMessage{Role: role, Content: blocks}
}

// Anthropic SSE wire event envelopes, decoded by "type" before dispatch.
type anthropicSSEEnvelope struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		PartialJSON  string `json:"partial_json"`
		Thinking     string `json:"thinking"`
		Signature    string `json:"signature"`
		StopReason   string `json:"stop_reason"`
	} `json:"delta"`

	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// readAnthropicSSE parses the text/event-stream body and emits normalized
// events until EOF or ctx cancellation, then closes the channel.
func readAnthropicSSE(ctx context.Context, body io.ReadCloser, out chan<- streamevent.Event) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	blockKinds := make(map[int]streamevent.BlockKind)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var env anthropicSSEEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			out <- streamevent.Error{Message: fmt.Sprintf("decode sse frame: %v", err)}
			return
		}

		switch env.Type {
		case "message_start":
			ev := streamevent.MessageStart{}
			if env.Message != nil {
				ev.ID = env.Message.ID
				ev.Model = env.Message.Model
				ev.Usage = streamevent.Usage{
					InputTokens:              env.Message.Usage.InputTokens,
					CacheCreationInputTokens: env.Message.Usage.CacheCreationInputTokens,
					CacheReadInputTokens:     env.Message.Usage.CacheReadInputTokens,
				}
			}
			out <- ev

		case "content_block_start":
			kind := streamevent.BlockText
			var toolID, toolName string
			if env.ContentBlock != nil {
				switch env.ContentBlock.Type {
				case "tool_use":
					kind = streamevent.BlockToolUse
					toolID = env.ContentBlock.ID
					toolName = env.ContentBlock.Name
				case "thinking":
					kind = streamevent.BlockThinking
				}
			}
			blockKinds[env.Index] = kind
			out <- streamevent.ContentBlockStart{Index: env.Index, Kind: kind, ToolID: toolID, ToolUse: toolName}

		case "content_block_delta":
			kind := blockKinds[env.Index]
			d := streamevent.ContentBlockDelta{Index: env.Index, Kind: kind}
			if env.Delta != nil {
				d.TextDelta = env.Delta.Text
				d.PartialJSON = env.Delta.PartialJSON
				d.ThinkingText = env.Delta.Thinking
				d.Signature = env.Delta.Signature
			}
			out <- d

		case "content_block_stop":
			delete(blockKinds, env.Index)
			out <- streamevent.ContentBlockStop{Index: env.Index}

		case "message_delta":
			d := streamevent.MessageDelta{}
			if env.Delta != nil {
				d.StopReason = env.Delta.StopReason
			}
			if env.Usage != nil {
				d.Usage.OutputTokens = env.Usage.OutputTokens
			}
			out <- d

		case "message_stop":
			out <- streamevent.MessageStop{}
			return

		case "ping":
			out <- streamevent.Ping{}

		case "error":
			msg := "anthropic stream error"
			if env.Error != nil {
				msg = env.Error.Message
			}
			out <- streamevent.Error{Message: msg, Retryable: isRetryableAnthropicError(msg)}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- streamevent.Error{Message: fmt.Sprintf("sse read error: %v", err), Retryable: true}
	}
}

func isRetryableAnthropicError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"overloaded", "rate_limit", "timeout", "internal_server_error"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// anthropicModels returns the catalogue of Anthropic models this provider
// exposes. Pricing and context figures mirror the public Claude lineup.
func anthropicModels(providerID string) []types.Model {
	models := []types.Model{
		{
			ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4",
			ContextLength: 200000, MaxOutputTokens: 64000,
			SupportsTools: true, SupportsVision: true,
			InputPrice: 3.0, OutputPrice: 15.0,
			Options: types.ModelOptions{PromptCaching: true, ExtendedOutput: true},
		},
		{
			ID: "claude-opus-4-20250514", Name: "Claude Opus 4",
			ContextLength: 200000, MaxOutputTokens: 32000,
			SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
			InputPrice: 15.0, OutputPrice: 75.0,
			Options: types.ModelOptions{PromptCaching: true},
		},
		{
			ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet",
			ContextLength: 200000, MaxOutputTokens: 8192,
			SupportsTools: true, SupportsVision: true,
			InputPrice: 3.0, OutputPrice: 15.0,
			Options: types.ModelOptions{PromptCaching: true},
		},
		{
			ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku",
			ContextLength: 200000, MaxOutputTokens: 8192,
			SupportsTools: true, SupportsVision: true,
			InputPrice: 0.8, OutputPrice: 4.0,
		},
		{
			ID: "claude-haiku-4-5-20251001", Name: "Claude 4.5 Haiku",
			ContextLength: 200000, MaxOutputTokens: 8192,
			SupportsTools: true, SupportsVision: true,
			InputPrice: 0.8, OutputPrice: 4.0,
		},
	}
	for i := range models {
		models[i].ProviderID = providerID
	}
	return models
}

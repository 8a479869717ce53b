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

const openAIChatCompletionsURL = "https://api.openai.com/v1/chat/completions"
const openAIResponsesURL = "https://api.openai.com/v1/responses"

// OpenAIProvider talks to either the OpenAI Chat Completions API or the
// Responses API, selecting per-request: Responses when the request enables
// deep thinking and the target model supports reasoning, Chat Completions
// otherwise. Both wire formats are parsed into the same
// streamevent.Event stream as the Anthropic client.
type OpenAIProvider struct {
	id      string
	apiKey  string
	baseURL string
	models  []types.Model
	client  *http.Client
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	// ID is the provider identifier (e.g. "openai"). Defaults to "openai".
	ID      string
	APIKey  string
	BaseURL string
}

// NewOpenAIProvider creates a new OpenAI (or OpenAI-compatible) provider.
func NewOpenAIProvider(ctx context.Context, config *OpenAIConfig) (*OpenAIProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	id := config.ID
	if id == "" {
		id = "openai"
	}

	return &OpenAIProvider{
		id:      id,
		apiKey:  apiKey,
		baseURL: config.BaseURL,
		models:  openAIModels(id),
		client:  &http.Client{Timeout: 0},
	}, nil
}

func (p *OpenAIProvider) ID() string            { return p.id }
func (p *OpenAIProvider) Name() string          { return "OpenAI" }
func (p *OpenAIProvider) Models() []types.Model { return p.models }

func (p *OpenAIProvider) modelSupportsReasoning(modelID string) bool {
	for _, m := range p.models {
		if m.ID == modelID {
			return m.SupportsReasoning
		}
	}
	return false
}

// CreateCompletion routes to the Responses API when the model supports
// reasoning and the caller asked for it, otherwise to Chat Completions.
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	if req.EnableDeepThinking && p.modelSupportsReasoning(req.Model) {
		return p.createResponsesCompletion(ctx, req)
	}
	return p.createChatCompletion(ctx, req)
}

// --- Chat Completions ---

type openAIChatMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content,omitempty"`
	ToolCalls  []openAIChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openAIChatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIChatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIChatRequest struct {
	Model               string               `json:"model"`
	Messages            []openAIChatMessage  `json:"messages"`
	Tools               []openAIChatTool     `json:"tools,omitempty"`
	Temperature         float64              `json:"temperature,omitempty"`
	TopP                float64              `json:"top_p,omitempty"`
	Stop                []string             `json:"stop,omitempty"`
	MaxCompletionTokens int                  `json:"max_completion_tokens,omitempty"`
	Stream              bool                 `json:"stream"`
	StreamOptions       *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (p *OpenAIProvider) createChatCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	body := openAIChatRequest{
		Model:               req.Model,
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		Stop:                req.StopWords,
		MaxCompletionTokens: req.MaxTokens,
		Stream:              true,
		StreamOptions:       &openAIStreamOptions{IncludeUsage: true},
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, convertToOpenAIChatMessage(m))
	}
	for _, t := range req.Tools {
		var tool openAIChatTool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, tool)
	}

	resp, reqCtx, cancel, err := p.postSSE(ctx, p.resolveURL(openAIChatCompletionsURL), body)
	if err != nil {
		return nil, err
	}

	events := make(chan streamevent.Event, 16)
	go readOpenAIChatSSE(reqCtx, resp.Body, events)
	return NewCompletionStream(events, cancel), nil
}

func convertToOpenAIChatMessage(m Message) openAIChatMessage {
	if m.Role == "tool" {
		return openAIChatMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID}
	}
	out := openAIChatMessage{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		wireCall := openAIChatToolCall{ID: tc.ID, Type: "function"}
		wireCall.Function.Name = tc.Name
		wireCall.Function.Arguments = string(tc.Input)
		out.ToolCalls = append(out.ToolCalls, wireCall)
	}
	return out
}

// openAIChatChunk mirrors a chat.completion.chunk SSE frame.
type openAIChatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func readOpenAIChatSSE(ctx context.Context, body io.ReadCloser, out chan<- streamevent.Event) {
	defer close(out)
	defer body.Close()

	out <- streamevent.MessageStart{}

	textOpened := false
	toolIndexOpened := make(map[int]bool)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

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
		if data == "[DONE]" {
			if textOpened {
				out <- streamevent.ContentBlockStop{Index: 0}
			}
			out <- streamevent.MessageStop{}
			return
		}

		var chunk openAIChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- streamevent.Error{Message: fmt.Sprintf("decode chat chunk: %v", err)}
			return
		}

		if chunk.Usage != nil {
			out <- streamevent.MessageDelta{Usage: streamevent.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !textOpened {
				out <- streamevent.ContentBlockStart{Index: 0, Kind: streamevent.BlockText}
				textOpened = true
			}
			out <- streamevent.ContentBlockDelta{Index: 0, Kind: streamevent.BlockText, TextDelta: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			blockIndex := tc.Index + 1 // index 0 reserved for text
			if !toolIndexOpened[blockIndex] {
				out <- streamevent.ContentBlockStart{
					Index: blockIndex, Kind: streamevent.BlockToolUse,
					ToolID: tc.ID, ToolUse: tc.Function.Name,
				}
				toolIndexOpened[blockIndex] = true
			}
			if tc.Function.Arguments != "" {
				out <- streamevent.ContentBlockDelta{
					Index: blockIndex, Kind: streamevent.BlockToolUse,
					PartialJSON: tc.Function.Arguments,
				}
			}
		}

		if choice.FinishReason != "" {
			if textOpened {
				out <- streamevent.ContentBlockStop{Index: 0}
			}
			for idx := range toolIndexOpened {
				out <- streamevent.ContentBlockStop{Index: idx}
			}
			out <- streamevent.MessageDelta{StopReason: normalizeOpenAIFinishReason(choice.FinishReason)}
			out <- streamevent.MessageStop{}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- streamevent.Error{Message: fmt.Sprintf("sse read error: %v", err), Retryable: true}
	}
}

// normalizeOpenAIFinishReason maps an OpenAI finish_reason onto the
// Anthropic-shaped stop_reason vocabulary every provider streams, so
// the loop's termination switch (stop / tool-calls / max_tokens) sees
// the same values regardless of which provider produced them.
func normalizeOpenAIFinishReason(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "content_filter":
		return "end_turn"
	default:
		return reason
	}
}

// --- Responses API (reasoning models) ---

type openAIResponsesRequest struct {
	Model     string                `json:"model"`
	Input     []openAIResponseInput `json:"input"`
	Stream    bool                  `json:"stream"`
	Store     bool                  `json:"store"`
	Tools     []openAIChatTool      `json:"tools,omitempty"`
	Reasoning *openAIReasoningOpts  `json:"reasoning,omitempty"`
}

type openAIReasoningOpts struct {
	Summary string `json:"summary"`
}

type openAIResponseInput struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`
}

func (p *OpenAIProvider) createResponsesCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	body := openAIResponsesRequest{
		Model:     req.Model,
		Stream:    true,
		Store:     true,
		Reasoning: &openAIReasoningOpts{Summary: "auto"},
	}

	if req.System != "" {
		body.Input = append(body.Input, openAIResponseInput{Type: "message", Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if m.Role == "tool" {
			body.Input = append(body.Input, openAIResponseInput{Type: "item_reference", ID: m.ToolCallID})
			continue
		}
		body.Input = append(body.Input, openAIResponseInput{Type: "message", Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		var tool openAIChatTool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, tool)
	}

	resp, reqCtx, cancel, err := p.postSSE(ctx, p.resolveURL(openAIResponsesURL), body)
	if err != nil {
		return nil, err
	}

	events := make(chan streamevent.Event, 16)
	go readOpenAIResponsesSSE(reqCtx, resp.Body, events)
	return NewCompletionStream(events, cancel), nil
}

// openAIResponsesEnvelope covers the subset of Responses API SSE event
// types this client acts on; reasoning and function_call items are tracked
// by item_id so a later turn can reference them via item_reference, and so
// argument deltas (which arrive keyed by item_id, not content_index) land
// on the right tool_use block.
type openAIResponsesEnvelope struct {
	Type string `json:"type"`

	Response *struct {
		ID string `json:"id"`
	} `json:"response"`

	Item *struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`

	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
	Text         string `json:"text"`

	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func readOpenAIResponsesSSE(ctx context.Context, body io.ReadCloser, out chan<- streamevent.Event) {
	defer close(out)
	defer body.Close()

	itemBlock := make(map[string]int) // item_id -> block index, covers reasoning and function_call items
	nextBlockIndex := 0
	textBlockOpened := false
	sawToolCall := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

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
		if data == "" || data == "[DONE]" {
			continue
		}

		var env openAIResponsesEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			out <- streamevent.Error{Message: fmt.Sprintf("decode responses frame: %v", err)}
			return
		}

		switch env.Type {
		case "response.created":
			id := ""
			if env.Response != nil {
				id = env.Response.ID
			}
			out <- streamevent.MessageStart{ID: id}

		case "response.output_item.added":
			if env.Item == nil {
				continue
			}
			switch env.Item.Type {
			case "reasoning":
				idx := nextBlockIndex
				nextBlockIndex++
				itemBlock[env.Item.ID] = idx
				out <- streamevent.ContentBlockStart{Index: idx, Kind: streamevent.BlockThinking}
			case "message":
				if !textBlockOpened {
					textBlockOpened = true
					out <- streamevent.ContentBlockStart{Index: nextBlockIndex, Kind: streamevent.BlockText}
					nextBlockIndex++
				}
			case "function_call":
				idx := nextBlockIndex
				nextBlockIndex++
				itemBlock[env.Item.ID] = idx
				sawToolCall = true
				out <- streamevent.ContentBlockStart{
					Index: idx, Kind: streamevent.BlockToolUse,
					ToolID: env.Item.CallID, ToolUse: env.Item.Name,
				}
				if env.Item.Arguments != "" {
					out <- streamevent.ContentBlockDelta{Index: idx, Kind: streamevent.BlockToolUse, PartialJSON: env.Item.Arguments}
				}
			}

		case "response.reasoning_summary_text.delta":
			if env.Item == nil {
				continue
			}
			idx, ok := itemBlock[env.Item.ID]
			if !ok {
				continue
			}
			out <- streamevent.ContentBlockDelta{Index: idx, Kind: streamevent.BlockThinking, ThinkingText: env.Delta}

		case "response.output_text.delta":
			out <- streamevent.ContentBlockDelta{Index: env.OutputIndex, Kind: streamevent.BlockText, TextDelta: env.Delta}

		case "response.function_call_arguments.delta":
			idx, ok := itemBlock[env.ItemID]
			if !ok {
				continue
			}
			out <- streamevent.ContentBlockDelta{Index: idx, Kind: streamevent.BlockToolUse, PartialJSON: env.Delta}

		case "response.output_item.done":
			if env.Item == nil {
				continue
			}
			if idx, ok := itemBlock[env.Item.ID]; ok {
				out <- streamevent.ContentBlockStop{Index: idx}
			}

		case "response.completed":
			stopReason := "end_turn"
			if sawToolCall {
				stopReason = "tool_use"
			}
			d := streamevent.MessageDelta{StopReason: stopReason}
			if env.Usage != nil {
				d.Usage = streamevent.Usage{InputTokens: env.Usage.InputTokens, OutputTokens: env.Usage.OutputTokens}
			}
			out <- d
			out <- streamevent.MessageStop{}
			return

		case "error":
			msg := "openai responses stream error"
			if env.Error != nil {
				msg = env.Error.Message
			}
			out <- streamevent.Error{Message: msg}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- streamevent.Error{Message: fmt.Sprintf("sse read error: %v", err), Retryable: true}
	}
}

// --- shared HTTP plumbing ---

func (p *OpenAIProvider) resolveURL(defaultURL string) string {
	if p.baseURL != "" {
		return strings.TrimSuffix(p.baseURL, "/") + strings.TrimPrefix(defaultURL, "https://api.openai.com")
	}
	return defaultURL
}

func (p *OpenAIProvider) postSSE(ctx context.Context, url string, body any) (*http.Response, context.Context, context.CancelFunc, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal openai request: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("openai request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errBody bytes.Buffer
		errBody.ReadFrom(resp.Body)
		cancel()
		return nil, nil, nil, fmt.Errorf("openai returned %d: %s", resp.StatusCode, errBody.String())
	}
	return resp, reqCtx, cancel, nil
}

// openAIModels returns the catalogue of OpenAI models this provider exposes.
func openAIModels(providerID string) []types.Model {
	models := []types.Model{
		{ID: "gpt-5", Name: "GPT-5", ContextLength: 272000, MaxOutputTokens: 128000,
			SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
			InputPrice: 1.25, OutputPrice: 10.0},
		{ID: "gpt-5-mini", Name: "GPT-5 Mini", ContextLength: 272000, MaxOutputTokens: 128000,
			SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
			InputPrice: 0.25, OutputPrice: 2.0},
		{ID: "gpt-5-nano", Name: "GPT-5 Nano", ContextLength: 272000, MaxOutputTokens: 128000,
			SupportsTools: true, SupportsVision: true,
			InputPrice: 0.05, OutputPrice: 0.4},
		{ID: "gpt-4o", Name: "GPT-4o", ContextLength: 128000, MaxOutputTokens: 16384,
			SupportsTools: true, SupportsVision: true,
			InputPrice: 2.5, OutputPrice: 10.0},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextLength: 128000, MaxOutputTokens: 16384,
			SupportsTools: true, SupportsVision: true,
			InputPrice: 0.15, OutputPrice: 0.6},
		{ID: "o1", Name: "o1", ContextLength: 200000, MaxOutputTokens: 100000,
			SupportsTools: true, SupportsReasoning: true,
			InputPrice: 15.0, OutputPrice: 60.0},
		{ID: "o1-mini", Name: "o1 Mini", ContextLength: 128000, MaxOutputTokens: 65536,
			SupportsReasoning: true,
			InputPrice: 1.1, OutputPrice: 4.4},
	}
	for i := range models {
		models[i].ProviderID = providerID
	}
	return models
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"agentcore/internal/event"
	"agentcore/internal/provider"
	"agentcore/internal/workspace/journal"
	"agentcore/pkg/types"
)

const (
	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps = 50
	// MaxRetries is the maximum number of retries for API errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
	// MaxContextTokens is the threshold for triggering context compaction.
	MaxContextTokens = 150000
)

// newRetryBackoff creates a new exponential backoff with jitter for API retries.
// Uses cenkalti/backoff for better retry behavior including jitter to prevent
// thundering herd problems and context-aware cancellation.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5 // Add jitter
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

func apiError(msg string) *types.MessageError {
	return &types.MessageError{Name: "ProviderAPIError", Data: types.MessageErrorData{Message: msg}}
}

// runLoop executes the agentic loop.
func (p *Processor) runLoop(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	// Load messages
	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		return fmt.Errorf("no messages in session")
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != "user" {
		return fmt.Errorf("expected user message, got %s", lastMsg.Role)
	}

	// Get provider and model
	providerID := p.defaultProviderID
	modelID := p.defaultModelID

	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider not found: %w", err)
	}

	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	// Create assistant message
	now := time.Now().UnixMilli()
	assistantMsg := &types.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ParentID:   lastMsg.ID,
		ProviderID: providerID,
		ModelID:    modelID,
		Mode:       lastMsg.Agent,
		Time: types.MessageTime{
			Created: now,
		},
	}
	state.message = assistantMsg

	// Save initial message
	if err := p.storage.Put(ctx, []string{"message", sessionID, assistantMsg.ID}, assistantMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	// Notify callback
	callback(assistantMsg, nil)

	// Publish event
	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: assistantMsg},
	})

	// Get agent config
	if agent == nil {
		agent = DefaultAgent()
	}

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	// Run loop
	step := 0
	retryBackoff := newRetryBackoff(ctx)

	for {
		// Check context cancellation
		select {
		case <-ctx.Done():
			assistantMsg.Error = apiError("Processing aborted")
			finish := "cancelled"
			assistantMsg.Finish = &finish
			p.saveMessage(ctx, sessionID, assistantMsg)
			return ctx.Err()
		default:
		}

		// Check step limit
		if step >= maxSteps {
			assistantMsg.Error = apiError("Maximum steps reached")
			p.saveMessage(ctx, sessionID, assistantMsg)
			return fmt.Errorf("max steps exceeded")
		}

		// Ask the compaction service whether a summary job is due; if
		// so stage it and run the summarisation call before continuing
		// (§4.2, §4.10 step 2).
		if staged, source, err := p.prepareCompaction(ctx, sessionID, messages); err == nil && staged != nil {
			if cerr := p.completeCompaction(ctx, sessionID, staged, source); cerr != nil {
				// A failed summarisation leaves the staged message
				// streaming; the next iteration will skip it (not yet
				// completed) and simply retry next time the threshold
				// is crossed.
			}
			messages, _ = p.loadMessages(ctx, sessionID)
		}

		// Build completion request
		req, err := p.buildCompletionRequest(ctx, sessionID, messages, assistantMsg, agent, model)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		// Call LLM with streaming
		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				assistantMsg.Error = apiError(err.Error())
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			time.Sleep(nextInterval)
			continue
		}

		// Process stream
		finishReason, err := p.processStream(ctx, stream, state, callback)
		stream.Close()

		if err != nil {
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				assistantMsg.Error = apiError(err.Error())
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			time.Sleep(nextInterval)
			continue
		}

		// Reset backoff on success
		retryBackoff.Reset()

		// Check finish reason (already normalized to SDK-compatible values
		// by processStream: "stop", "tool-calls", "max_tokens", "error").
		switch finishReason {
		case "stop":
			finish := "stop"
			assistantMsg.Finish = &finish
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		case "tool-calls":
			if err := p.executeToolCalls(ctx, state, agent, callback); err != nil {
				// Tool execution errors are captured on the tool part; the
				// loop continues so the model can see and react to them.
			}
			step++
			continue

		case "max_tokens":
			finish := "max_tokens"
			assistantMsg.Finish = &finish
			assistantMsg.Error = &types.MessageError{
				Name: "OutputLengthError",
				Data: types.MessageErrorData{Message: "Output length limit reached"},
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		case "error":
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				return fmt.Errorf("stream error: max retries exceeded")
			}
			time.Sleep(nextInterval)
			continue

		default:
			assistantMsg.Finish = &finishReason
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil
		}
	}
}

// findSession finds a session by ID across all projects.
func (p *Processor) findSession(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := p.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := p.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	return nil, fmt.Errorf("session not found: %s", sessionID)
}

// loadMessages loads all messages for a session ordered by (created_at,
// id), matching the §6.1 ordering convention. ULIDs are lexically
// time-ordered, so sorting by id after a created-at comparison gives a
// stable total order even when two messages share a millisecond.
func (p *Processor) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := p.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Time.Created != messages[j].Time.Created {
			return messages[i].Time.Created < messages[j].Time.Created
		}
		return messages[i].ID < messages[j].ID
	})
	return messages, nil
}

// lastCompletedSummaryIndex returns the index of the latest message that
// is a completed compaction summary, or -1 if none exists.
func lastCompletedSummaryIndex(messages []*types.Message) int {
	idx := -1
	for i, msg := range messages {
		if msg.Role == "assistant" && msg.IsSummary && msg.Finish != nil {
			idx = i
		}
	}
	return idx
}

// buildLLMView drops everything strictly before the latest completed
// summary message, per §4.1. The caller is still responsible for the
// user/assistant merge-and-alternate pass done downstream by
// convertMessage/buildCompletionRequest; this only establishes the
// summary-pinned starting point (testable properties 1, 2, 15).
func buildLLMView(messages []*types.Message) []*types.Message {
	idx := lastCompletedSummaryIndex(messages)
	if idx < 0 {
		return messages
	}
	return messages[idx:]
}

// saveMessage saves an assistant message.
func (p *Processor) saveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now

	if err := p.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg); err != nil {
		return err
	}

	event.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})

	return nil
}

// savePart saves a part for a message.
func (p *Processor) savePart(ctx context.Context, messageID string, part types.Part) error {
	return p.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// formatPendingChanges renders the journal's drained pending changes
// into the text block §4.10 step 1 inlines into the system prompt: one
// line per change naming its path and kind, followed by its patch (if
// the budget allowed one) or the large-change note.
func formatPendingChanges(pending []journal.PendingChange) string {
	var b strings.Builder
	b.WriteString("# Workspace Changes\n\n")
	b.WriteString("The following files changed outside this conversation since the last turn:\n\n")
	for _, c := range pending {
		fmt.Fprintf(&b, "- %s (%s)\n", c.RelativePath, c.Kind)
		switch {
		case c.HasPatch:
			b.WriteString("```diff\n")
			b.WriteString(c.Patch)
			b.WriteString("```\n")
		case c.Note != "":
			fmt.Fprintf(&b, "  %s\n", c.Note)
		}
	}
	return b.String()
}

// buildCompletionRequest builds an LLM completion request.
func (p *Processor) buildCompletionRequest(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
	currentMsg *types.Message,
	agent *Agent,
	model *types.Model,
) (*provider.CompletionRequest, error) {
	// Build system prompt
	session, _ := p.findSession(ctx, sessionID)
	systemPrompt := NewSystemPrompt(session, agent, currentMsg.ProviderID, currentMsg.ModelID)
	if p.journal != nil && session != nil {
		if pending := p.journal.TakePending(session.Directory); len(pending) > 0 {
			systemPrompt.WithPendingChanges(formatPendingChanges(pending))
		}
	}

	view := buildLLMView(messages)

	var reqMessages []provider.Message
	for _, msg := range view {
		// An assistant message with status=error carries nothing the
		// model should see again; §4.1 step 3 drops it entirely.
		if msg.Role == "assistant" && msg.Error != nil && !p.hasUsableContent(ctx, msg) {
			continue
		}

		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}

		reqMessages = append(reqMessages, p.convertMessage(msg, parts)...)
	}

	// §4.1 step 6: a transcript that (after flattening) opens on an
	// assistant turn gets a synthetic leading user message.
	if len(reqMessages) > 0 && reqMessages[0].Role == "assistant" {
		reqMessages = append([]provider.Message{{Role: "user", Content: "."}}, reqMessages...)
	}

	// Get enabled tools
	tools, err := p.resolveTools(agent, model)
	if err != nil {
		return nil, err
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	req := &provider.CompletionRequest{
		Model:       model.ID,
		System:      systemPrompt.Build(),
		Messages:    reqMessages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}

	return req, nil
}

// loadParts loads all parts for a message.
func (p *Processor) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := p.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// hasUsableContent checks if a message has content worth including.
func (p *Processor) hasUsableContent(ctx context.Context, msg *types.Message) bool {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return false
	}
	return len(parts) > 0
}

// convertMessage converts a types.Message and its parts into the flat
// provider.Message representation, splitting assistant tool calls and
// their tool-role results into separate wire messages the way every
// provider's chat-style API expects.
func (p *Processor) convertMessage(msg *types.Message, parts []types.Part) []provider.Message {
	var text string
	var toolCalls []provider.ToolCall
	var toolResults []provider.Message

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			text += pt.Text
		case *types.ToolPart:
			if msg.Role == "assistant" {
				inputJSON, _ := json.Marshal(pt.State.Input)
				toolCalls = append(toolCalls, provider.ToolCall{
					ID:    pt.CallID,
					Name:  pt.Tool,
					Input: inputJSON,
				})
				content := pt.State.Output
				if pt.State.Status == "error" {
					content = "Error: " + pt.State.Error
				}
				toolResults = append(toolResults, provider.Message{
					Role:       "tool",
					Content:    content,
					ToolCallID: pt.CallID,
					ToolName:   pt.Tool,
				})
			}
		}
	}

	role := msg.Role
	result := []provider.Message{{
		Role:      role,
		Content:   text,
		ToolCalls: toolCalls,
	}}
	return append(result, toolResults...)
}

// resolveTools returns tools enabled for the agent.
func (p *Processor) resolveTools(agent *Agent, model *types.Model) ([]provider.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}

	allTools := p.toolRegistry.List()

	var result []provider.ToolInfo
	for _, t := range allTools {
		if !agent.ToolEnabled(t.ID()) {
			continue
		}

		result = append(result, provider.ToolInfo{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}

	return result, nil
}

// generatePartID generates a new ULID for parts.
func generatePartID() string {
	return ulid.Make().String()
}

// ptr returns a pointer to the given value.
func ptr[T any](v T) *T {
	return &v
}

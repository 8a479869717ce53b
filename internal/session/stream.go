package session

import (
	"context"
	"time"

	"agentcore/internal/event"
	"agentcore/internal/provider"
	"agentcore/internal/provider/streamevent"
	"agentcore/pkg/types"
)

// MinEventInterval is the minimum time between streaming text events,
// just above a typical UI's batching window so deltas don't coalesce.
const MinEventInterval = 20 * time.Millisecond

// throttledPublish publishes an event with optional throttling so a
// fast-streaming model doesn't starve UI consumers batching on a timer.
func throttledPublish(e event.Event, lastEventTime *time.Time) {
	if lastEventTime != nil && !lastEventTime.IsZero() {
		if elapsed := time.Since(*lastEventTime); elapsed < MinEventInterval {
			time.Sleep(MinEventInterval - elapsed)
		}
	}
	event.Publish(e)
	if lastEventTime != nil {
		*lastEventTime = time.Now()
	}
}

// drainText collects a stream's text content blocks into a single string,
// discarding everything else. Used for summary/title generations that only
// want the final text, not a live part-by-part render.
func drainText(stream *provider.CompletionStream) (string, error) {
	var text string
	for {
		ev, ok := stream.Recv()
		if !ok {
			return text, nil
		}
		switch e := ev.(type) {
		case streamevent.ContentBlockDelta:
			if e.Kind == streamevent.BlockText {
				text += e.TextDelta
			}
		case streamevent.Error:
			return text, e
		case streamevent.MessageStop:
			return text, nil
		}
	}
}

// streamText collects a stream's text content blocks into a single string,
// invoking onDelta as each chunk arrives. Used for summary generation where
// callers want to render the summary incrementally as it streams in.
func streamText(stream *provider.CompletionStream, onDelta func(string)) (string, error) {
	var text string
	for {
		ev, ok := stream.Recv()
		if !ok {
			return text, nil
		}
		switch e := ev.(type) {
		case streamevent.ContentBlockDelta:
			if e.Kind == streamevent.BlockText {
				text += e.TextDelta
				onDelta(e.TextDelta)
			}
		case streamevent.Error:
			return text, e
		case streamevent.MessageStop:
			return text, nil
		}
	}
}

// processStream consumes a normalized provider event stream, materializing
// text/reasoning/tool parts incrementally and returning the SDK-compatible
// finish reason ("stop", "tool-calls", "max_tokens", ...).
func (p *Processor) processStream(
	ctx context.Context,
	stream *provider.CompletionStream,
	state *sessionState,
	callback ProcessCallback,
) (string, error) {
	now := time.Now().UnixMilli()
	stepStartPart := &types.StepStartPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-start",
	}
	state.parts = append(state.parts, stepStartPart)
	p.savePart(ctx, state.message.ID, stepStartPart)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepStartPart},
	})
	callback(state.message, state.parts)

	blockKinds := make(map[int]streamevent.BlockKind)
	textParts := make(map[int]*types.TextPart)
	reasoningParts := make(map[int]*types.ReasoningPart)
	toolParts := make(map[int]*types.ToolPart)
	toolRaw := make(map[int]string)

	var finishReason string
	var lastEventTime time.Time

	for {
		select {
		case <-ctx.Done():
			return "error", ctx.Err()
		default:
		}

		ev, ok := stream.Recv()
		if !ok {
			break
		}

		switch e := ev.(type) {
		case streamevent.MessageStart:
			state.message.Tokens = &types.TokenUsage{
				Input:  e.Usage.InputTokens,
				Output: e.Usage.OutputTokens,
				Cache: types.CacheUsage{
					Read:  e.Usage.CacheReadInputTokens,
					Write: e.Usage.CacheCreationInputTokens,
				},
			}

		case streamevent.ContentBlockStart:
			blockKinds[e.Index] = e.Kind
			switch e.Kind {
			case streamevent.BlockText:
				blockNow := time.Now().UnixMilli()
				tp := &types.TextPart{
					ID:        generatePartID(),
					SessionID: state.message.SessionID,
					MessageID: state.message.ID,
					Type:      "text",
					Time:      types.PartTime{Start: &blockNow},
				}
				textParts[e.Index] = tp
				state.parts = append(state.parts, tp)
				p.savePart(ctx, state.message.ID, tp)
				callback(state.message, state.parts)

			case streamevent.BlockThinking:
				blockNow := time.Now().UnixMilli()
				rp := &types.ReasoningPart{
					ID:        generatePartID(),
					SessionID: state.message.SessionID,
					MessageID: state.message.ID,
					Type:      "reasoning",
					Time:      types.PartTime{Start: &blockNow},
				}
				reasoningParts[e.Index] = rp
				state.parts = append(state.parts, rp)
				p.savePart(ctx, state.message.ID, rp)
				callback(state.message, state.parts)

			case streamevent.BlockToolUse:
				blockNow := time.Now().UnixMilli()
				tp := &types.ToolPart{
					ID:        generatePartID(),
					SessionID: state.message.SessionID,
					MessageID: state.message.ID,
					Type:      "tool",
					CallID:    e.ToolID,
					Tool:      e.ToolUse,
					State: types.ToolState{
						Status: "pending",
						Input:  make(map[string]any),
						Time:   &types.ToolTime{Start: blockNow},
					},
				}
				toolParts[e.Index] = tp
				toolRaw[e.Index] = ""
				state.parts = append(state.parts, tp)
				p.savePart(ctx, state.message.ID, tp)
				event.Publish(event.Event{
					Type: event.MessagePartUpdated,
					Data: event.MessagePartUpdatedData{Part: tp},
				})
				callback(state.message, state.parts)
			}

		case streamevent.ContentBlockDelta:
			switch e.Kind {
			case streamevent.BlockText:
				tp := textParts[e.Index]
				if tp == nil {
					continue
				}
				tp.Text += e.TextDelta
				p.savePart(ctx, state.message.ID, tp)
				throttledPublish(event.Event{
					Type: event.MessagePartUpdated,
					Data: event.MessagePartUpdatedData{Part: tp, Delta: e.TextDelta},
				}, &lastEventTime)
				callback(state.message, state.parts)

			case streamevent.BlockThinking:
				rp := reasoningParts[e.Index]
				if rp == nil {
					continue
				}
				rp.Text += e.ThinkingText
				if e.Signature != "" {
					rp.AnthropicSignature = e.Signature
				}
				p.savePart(ctx, state.message.ID, rp)
				throttledPublish(event.Event{
					Type: event.MessagePartUpdated,
					Data: event.MessagePartUpdatedData{Part: rp, Delta: e.ThinkingText},
				}, &lastEventTime)
				callback(state.message, state.parts)

			case streamevent.BlockToolUse:
				tp := toolParts[e.Index]
				if tp == nil {
					continue
				}
				toolRaw[e.Index] += e.PartialJSON
				tp.State.Raw = toolRaw[e.Index]
				if input, err := streamevent.ToolUseInput(toolRaw[e.Index]); err == nil && input != nil {
					tp.State.Input = input
				}
				event.Publish(event.Event{
					Type: event.MessagePartUpdated,
					Data: event.MessagePartUpdatedData{Part: tp},
				})
				callback(state.message, state.parts)
			}

		case streamevent.ContentBlockStop:
			blockNow := time.Now().UnixMilli()
			switch blockKinds[e.Index] {
			case streamevent.BlockText:
				if tp := textParts[e.Index]; tp != nil {
					tp.Time.End = &blockNow
					p.savePart(ctx, state.message.ID, tp)
				}
			case streamevent.BlockThinking:
				if rp := reasoningParts[e.Index]; rp != nil {
					rp.Time.End = &blockNow
					p.savePart(ctx, state.message.ID, rp)
				}
			case streamevent.BlockToolUse:
				if tp := toolParts[e.Index]; tp != nil {
					if input, err := streamevent.ToolUseInput(toolRaw[e.Index]); err == nil {
						if input == nil {
							input = make(map[string]any)
						}
						tp.State.Input = input
					}
					tp.State.Status = "running"
					p.savePart(ctx, state.message.ID, tp)
					event.Publish(event.Event{
						Type: event.MessagePartUpdated,
						Data: event.MessagePartUpdatedData{Part: tp},
					})
					callback(state.message, state.parts)
				}
			}

		case streamevent.MessageDelta:
			if e.StopReason != "" {
				finishReason = e.StopReason
			}
			if state.message.Tokens == nil {
				state.message.Tokens = &types.TokenUsage{}
			}
			if e.Usage.OutputTokens > 0 {
				state.message.Tokens.Output = e.Usage.OutputTokens
			}
			if e.Usage.InputTokens > 0 {
				state.message.Tokens.Input = e.Usage.InputTokens
			}

		case streamevent.MessageStop:
			// Stream is done; fall through to finalization below.

		case streamevent.Ping:
			// Keepalive, no state change.

		case streamevent.Error:
			return "error", e
		}
	}

	if finishReason == "" {
		if len(toolParts) > 0 {
			finishReason = "tool_use"
		} else {
			finishReason = "end_turn"
		}
	}
	// Normalize to SDK-compatible finish reasons.
	switch finishReason {
	case "tool_use":
		finishReason = "tool-calls"
	case "end_turn":
		finishReason = "stop"
	}

	stepFinishPart := &types.StepFinishPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-finish",
	}
	if state.message.Tokens != nil {
		stepFinishPart.Tokens = *state.message.Tokens
	}
	stepFinishPart.Cost = state.message.Cost
	state.parts = append(state.parts, stepFinishPart)
	p.savePart(ctx, state.message.ID, stepFinishPart)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepFinishPart},
	})
	callback(state.message, state.parts)

	return finishReason, nil
}

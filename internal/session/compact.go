package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentcore/internal/event"
	"agentcore/internal/provider"
	"agentcore/pkg/types"
)

// CompactionConfig controls when and how a session's transcript is
// summarised, per §4.2.
type CompactionConfig struct {
	Enabled bool

	// MinMessages is the floor below which compaction never triggers.
	MinMessages int

	// MaxUnsummarizedMessages caps the live tail before compaction
	// triggers.
	MaxUnsummarizedMessages int

	// KeepRecentMessages is the tail count that is never folded into a
	// summary.
	KeepRecentMessages int

	// MaxSummaryChars bounds the generated summary's length.
	MaxSummaryChars int
}

// DefaultCompactionConfig is the configuration prepareCompaction and
// completeCompaction use; no agent or workspace setting overrides it.
var DefaultCompactionConfig = CompactionConfig{
	Enabled:                 true,
	MinMessages:             20,
	MaxUnsummarizedMessages: 30,
	KeepRecentMessages:      8,
	MaxSummaryChars:         8000,
}

// compactionSystemPrompt is the fixed system prompt used for the
// summarisation call.
const compactionSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// prepareCompaction implements the Algorithm (prepare) of §4.2. It
// returns nil, "", nil when no summary job is needed. Otherwise it
// persists a streaming summary message (status=streaming, is_summary)
// at the computed timestamp and returns it alongside the summary
// source text; the caller must follow up with completeCompaction.
func (p *Processor) prepareCompaction(ctx context.Context, sessionID string, messages []*types.Message) (*types.Message, string, error) {
	cfg := DefaultCompactionConfig
	if !cfg.Enabled {
		return nil, "", nil
	}

	total := len(messages)
	if total < cfg.MinMessages {
		return nil, "", nil
	}

	lastSummaryIdx := lastCompletedSummaryIndex(messages)
	rangeStart := lastSummaryIdx + 1
	unsummarized := total - rangeStart
	if unsummarized <= cfg.MaxUnsummarizedMessages {
		return nil, "", nil
	}

	tailStart := total - cfg.KeepRecentMessages
	if rangeStart > tailStart {
		tailStart = rangeStart
	}
	if tailStart <= rangeStart {
		return nil, "", nil
	}

	source := buildSummaryPrompt(ctx, p, messages[rangeStart:tailStart])
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, "", nil
	}

	session, err := p.findSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	lastMsg := messages[len(messages)-1]
	createdAt := messages[tailStart].Time.Created - 1

	summaryMsg := &types.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ParentID:   lastMsg.ID,
		ProviderID: lastMsg.ProviderID,
		ModelID:    lastMsg.ModelID,
		Mode:       lastMsg.Agent,
		IsSummary:  true,
		Path: &types.MessagePath{
			Cwd:  session.Directory,
			Root: session.Directory,
		},
		Time: types.MessageTime{
			Created: createdAt,
		},
		Tokens: &types.TokenUsage{},
	}

	if err := p.storage.Put(ctx, []string{"message", sessionID, summaryMsg.ID}, summaryMsg); err != nil {
		return nil, "", fmt.Errorf("stage summary message: %w", err)
	}

	event.PublishSync(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: summaryMsg},
	})

	return summaryMsg, source, nil
}

// completeCompaction issues the summarisation LLM call and commits the
// staged summary message: a single Text block truncated to
// MaxSummaryChars (rune-boundary safe, no ellipsis), status=completed.
func (p *Processor) completeCompaction(ctx context.Context, sessionID string, summaryMsg *types.Message, source string) error {
	cfg := DefaultCompactionConfig

	model, err := p.providerRegistry.DefaultModel()
	if err != nil {
		return err
	}
	prov, err := p.providerRegistry.Get(model.ProviderID)
	if err != nil {
		return err
	}

	textPart := &types.TextPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: summaryMsg.ID,
		Type:      "text",
		Text:      "",
	}
	if err := p.storage.Put(ctx, []string{"part", summaryMsg.ID, textPart.ID}, textPart); err != nil {
		return fmt.Errorf("stage summary part: %w", err)
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:  model.ID,
		System: compactionSystemPrompt,
		Messages: []provider.Message{
			{Role: "user", Content: source},
		},
		MaxTokens: 2000,
	})
	if err != nil {
		return fmt.Errorf("start summary completion: %w", err)
	}
	defer stream.Close()

	fullText, err := streamText(stream, func(delta string) {
		textPart.Text += delta
		p.storage.Put(ctx, []string{"part", summaryMsg.ID, textPart.ID}, textPart)
		event.PublishSync(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{Part: textPart, Delta: delta},
		})
	})
	if err != nil {
		return fmt.Errorf("summary completion: %w", err)
	}

	truncated := truncateRunes(fullText, cfg.MaxSummaryChars)
	textPart.Text = truncated
	if err := p.storage.Put(ctx, []string{"part", summaryMsg.ID, textPart.ID}, textPart); err != nil {
		return fmt.Errorf("save summary part: %w", err)
	}

	finish := "stop"
	summaryMsg.Finish = &finish
	finished := time.Now().UnixMilli()
	summaryMsg.Time.Updated = &finished
	summaryMsg.Tokens = &types.TokenUsage{
		Input:  estimateTokens(source),
		Output: estimateTokens(truncated),
	}
	if err := p.storage.Put(ctx, []string{"message", sessionID, summaryMsg.ID}, summaryMsg); err != nil {
		return fmt.Errorf("commit summary message: %w", err)
	}

	event.PublishSync(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: summaryMsg},
	})
	event.PublishSync(event.Event{
		Type: event.SessionCompacted,
		Data: event.SessionCompactedData{SessionID: sessionID},
	})

	return nil
}

// truncateRunes truncates s to at most n runes without splitting a
// multi-byte rune, and without appending an ellipsis (§4.2 step 9's
// "character-boundary-safe, no ellipsis" requirement).
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// buildSummaryPrompt renders a USER:/ASSISTANT:-prefixed transcript of
// the given messages for the summarisation prompt.
func buildSummaryPrompt(ctx context.Context, p *Processor, messages []*types.Message) string {
	var prompt strings.Builder

	for _, msg := range messages {
		if msg.Role == "user" {
			prompt.WriteString("USER:\n")
		} else {
			prompt.WriteString("ASSISTANT:\n")
		}

		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}

		for _, part := range parts {
			switch pt := part.(type) {
			case *types.TextPart:
				prompt.WriteString(pt.Text)
				prompt.WriteString("\n")
			case *types.ToolPart:
				prompt.WriteString(fmt.Sprintf("[Tool: %s]\n", pt.Tool))
				if pt.State.Output != "" {
					output := pt.State.Output
					if len(output) > 500 {
						output = output[:500] + "..."
					}
					prompt.WriteString(output)
					prompt.WriteString("\n")
				}
			}
		}

		prompt.WriteString("\n")
	}

	return prompt.String()
}

// estimateTokens provides a rough estimate of token count.
func estimateTokens(text string) int {
	return len(text) / 4
}

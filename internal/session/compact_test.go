package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agentcore/pkg/types"
)

func msgAt(t int64, role string, summary bool, finished bool) *types.Message {
	m := &types.Message{
		ID:        generatePartID(),
		Role:      role,
		IsSummary: summary,
		Time:      types.MessageTime{Created: t},
	}
	if finished {
		f := "stop"
		m.Finish = &f
	}
	return m
}

func TestLastCompletedSummaryIndex(t *testing.T) {
	messages := []*types.Message{
		msgAt(1, "user", false, false),
		msgAt(2, "assistant", false, true),
		msgAt(3, "assistant", true, true), // completed summary
		msgAt(4, "user", false, false),
		msgAt(5, "assistant", true, false), // streaming summary, not completed
	}

	assert.Equal(t, 2, lastCompletedSummaryIndex(messages))
}

func TestLastCompletedSummaryIndexNone(t *testing.T) {
	messages := []*types.Message{
		msgAt(1, "user", false, false),
		msgAt(2, "assistant", false, true),
	}
	assert.Equal(t, -1, lastCompletedSummaryIndex(messages))
}

func TestBuildLLMViewPinsAtLatestSummary(t *testing.T) {
	messages := []*types.Message{
		msgAt(1, "user", false, false),
		msgAt(2, "assistant", false, true),
		msgAt(3, "assistant", true, true),
		msgAt(4, "user", false, false),
		msgAt(5, "assistant", false, true),
	}

	view := buildLLMView(messages)
	assert.Len(t, view, 3)
	assert.True(t, view[0].IsSummary)
}

func TestBuildLLMViewNoSummary(t *testing.T) {
	messages := []*types.Message{
		msgAt(1, "user", false, false),
		msgAt(2, "assistant", false, true),
	}
	view := buildLLMView(messages)
	assert.Equal(t, messages, view)
}

func TestTruncateRunesCharBoundarySafe(t *testing.T) {
	s := "héllo wörld" // multi-byte runes
	out := truncateRunes(s, 5)
	assert.Equal(t, []rune(s)[:5], []rune(out))
	assert.NotContains(t, out, "...")
}

func TestTruncateRunesNoTruncationNeeded(t *testing.T) {
	s := "short"
	assert.Equal(t, s, truncateRunes(s, 100))
}

func TestCompactionThresholdGeometry(t *testing.T) {
	// Mirrors testable property 4: enabled=true, min_messages=20,
	// max_unsummarized_messages=30, keep_recent_messages=8. A session
	// with 29 messages produces no job; one with 31 messages triggers
	// a job whose source covers exactly [0, 31-8).
	cfg := DefaultCompactionConfig
	assert.Equal(t, 20, cfg.MinMessages)
	assert.Equal(t, 30, cfg.MaxUnsummarizedMessages)
	assert.Equal(t, 8, cfg.KeepRecentMessages)

	total29 := 29
	assert.LessOrEqual(t, total29-0, cfg.MaxUnsummarizedMessages, "29 messages must not cross the threshold")

	total31 := 31
	assert.Greater(t, total31-0, cfg.MaxUnsummarizedMessages, "31 messages must cross the threshold")
	tailStart := total31 - cfg.KeepRecentMessages
	assert.Equal(t, 23, tailStart)
}

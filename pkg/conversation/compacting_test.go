package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillHistory(c *Conversation, messages, size int) {
	chunk := strings.Repeat("x", size)
	for i := 0; i < messages; i++ {
		c.AppendUser(chunk)
	}
}

func TestMaybeCompactBelowThresholdIsNoop(t *testing.T) {
	called := false
	c := newTestConversation(Options{
		CompactionThreshold: 40960,
		Compactor: func(ctx context.Context, req CompactionRequest) (string, error) {
			called = true
			return "summary", nil
		},
	})
	fillHistory(c, 5, 100)

	require.NoError(t, c.MaybeCompact(context.Background()))
	assert.False(t, called)
	assert.Equal(t, 9, c.MessageCount())
}

func TestMaybeCompactWithoutCompactorIsNoop(t *testing.T) {
	c := newTestConversation(Options{CompactionThreshold: 3072})
	fillHistory(c, 30, 300)

	require.NoError(t, c.MaybeCompact(context.Background()))
	assert.Equal(t, 34, c.MessageCount())
}

func TestMaybeCompactSummarizesOldHistory(t *testing.T) {
	var req CompactionRequest
	c := newTestConversation(Options{
		CompactionThreshold: 3072,
		Compactor: func(ctx context.Context, r CompactionRequest) (string, error) {
			req = r
			return "explored the parser and fixed two bugs", nil
		},
	})
	fillHistory(c, 30, 300)

	require.NoError(t, c.MaybeCompact(context.Background()))

	// 30 tail messages: a fifth stays, the rest is folded into a summary.
	assert.Equal(t, prefixLen+6, c.MessageCount())
	assert.Equal(t, "1", req.TicketID)
	assert.Equal(t, "Do the thing.", req.OriginalTask)
	assert.Contains(t, req.HistoryBlock, "user:")

	msgs := c.Messages()
	assert.Contains(t, msgs[idxSummariesBlock].Content,
		"Chapter 1: explored the parser and fixed two bugs")
}

func TestMaybeCompactRepeatedGrowsChapters(t *testing.T) {
	n := 0
	c := newTestConversation(Options{
		CompactionThreshold: 3072,
		Compactor: func(ctx context.Context, r CompactionRequest) (string, error) {
			n++
			return "chapter " + strings.Repeat("i", n), nil
		},
	})

	fillHistory(c, 30, 300)
	require.NoError(t, c.MaybeCompact(context.Background()))
	fillHistory(c, 30, 300)
	require.NoError(t, c.MaybeCompact(context.Background()))

	summaries := c.Messages()[idxSummariesBlock].Content
	assert.Contains(t, summaries, "Chapter 1: chapter i")
	assert.Contains(t, summaries, "Chapter 2: chapter ii")
}

func TestMaybeCompactPropagatesRunnerFailure(t *testing.T) {
	c := newTestConversation(Options{
		CompactionThreshold: 3072,
		Compactor: func(ctx context.Context, r CompactionRequest) (string, error) {
			return "", errors.New("model unavailable")
		},
	})
	fillHistory(c, 30, 300)
	before := c.MessageCount()

	err := c.MaybeCompact(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compaction failed")
	assert.Equal(t, before, c.MessageCount())
}

func TestMaybeCompactThresholdFloor(t *testing.T) {
	// A threshold below the floor is raised to it, so a small history is
	// never summarized away.
	called := false
	c := newTestConversation(Options{
		CompactionThreshold: 10,
		Compactor: func(ctx context.Context, r CompactionRequest) (string, error) {
			called = true
			return "summary", nil
		},
	})
	fillHistory(c, 4, 100)

	require.NoError(t, c.MaybeCompact(context.Background()))
	assert.False(t, called)
}

func TestRenderSummaries(t *testing.T) {
	assert.Equal(t, "[Chapter summaries]\n(none yet)", renderSummaries(nil))
	out := renderSummaries([]string{"first", "second"})
	assert.Contains(t, out, "Chapter 1: first")
	assert.Contains(t, out, "Chapter 2: second")
}

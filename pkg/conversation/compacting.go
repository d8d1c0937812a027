package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

// Fixed prefix layout of a compacting conversation. Nothing at or below
// prefixLen is ever summarized away.
const (
	idxSystemPrompt     = 0
	idxUserInstructions = 1
	idxMemoriesBlock    = 2
	idxSummariesBlock   = 3
	prefixLen           = 4

	minCompactionThreshold = 3072
	maxChapterSummaries    = 10
)

// compactingStrategy keeps a fixed four-message prefix and replaces the
// oldest part of the tail with chapter summaries once the history grows past
// the threshold.
type compactingStrategy struct{}

func (s *compactingStrategy) Name() string { return models.StrategyCompacting }

func (s *compactingStrategy) Prepare(c *Conversation, systemPrompt, userInstructions string) {
	c.data.Messages = []models.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userInstructions},
		{Role: "system", Content: c.memories.Render()},
		{Role: "system", Content: renderSummaries(nil)},
	}
}

func (s *compactingStrategy) RefreshBlocks(c *Conversation) {
	if len(c.data.Messages) <= idxSummariesBlock {
		return
	}
	c.data.Messages[idxMemoriesBlock].Content = c.memories.Render()
	c.data.Messages[idxSummariesBlock].Content = renderSummaries(c.data.ChapterSummaries)
}

func (s *compactingStrategy) ExtraTools(c *Conversation) []*tools.Tool { return nil }

func (s *compactingStrategy) OnAssistantText(c *Conversation, text string) (string, bool) {
	return "", true
}

func (s *compactingStrategy) Reconstitute(c *Conversation) {
	s.RefreshBlocks(c)
}

func (s *compactingStrategy) MaybeCompact(ctx context.Context, c *Conversation) error {
	c.mu.Lock()
	threshold := c.threshold
	if threshold < minCompactionThreshold {
		threshold = minCompactionThreshold
	}
	if c.approxSizeLocked() <= threshold || c.compactor == nil {
		c.mu.Unlock()
		return nil
	}

	total := len(c.data.Messages) - prefixLen
	if total < 2 {
		c.mu.Unlock()
		return nil
	}

	keepRecent := total / 5
	if keepRecent < 1 {
		keepRecent = 1
	}
	end := len(c.data.Messages) - keepRecent

	req := CompactionRequest{
		TicketID:     c.data.TicketID,
		OriginalTask: c.data.Messages[idxUserInstructions].Content,
		Memories:     c.memories,
		HistoryBlock: renderHistoryBlock(c.data.Messages[prefixLen:end]),
	}
	compactor := c.compactor
	c.mu.Unlock()

	// The compaction sub-conversation runs without holding the lock; the
	// driver is suspended at this point so the range stays stable.
	summary, err := compactor(ctx, req)
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}

	c.mu.Lock()
	c.data.ChapterSummaries = append(c.data.ChapterSummaries, summary)
	if len(c.data.ChapterSummaries) > maxChapterSummaries {
		c.data.ChapterSummaries = c.data.ChapterSummaries[len(c.data.ChapterSummaries)-maxChapterSummaries:]
	}
	c.data.Messages = append(c.data.Messages[:prefixLen], c.data.Messages[end:]...)
	s.RefreshBlocks(c)
	removed := end - prefixLen
	chapters := len(c.data.ChapterSummaries)
	c.mu.Unlock()

	c.transcript.NextChapter()
	logger.InfoCF("conversation", "Compacted history",
		map[string]any{
			"conversation_id":  c.data.ID,
			"messages_removed": removed,
			"summaries":        chapters,
		})
	c.Sync()
	return nil
}

func renderSummaries(summaries []string) string {
	if len(summaries) == 0 {
		return "[Chapter summaries]\n(none yet)"
	}
	var b strings.Builder
	b.WriteString("[Chapter summaries]")
	for i, s := range summaries {
		fmt.Fprintf(&b, "\nChapter %d: %s", i+1, s)
	}
	return b.String()
}

// renderHistoryBlock formats messages role-by-role with quoted content for
// the compaction agent.
func renderHistoryBlock(messages []models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, strconv.Quote(msg.Content))
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "  -> %s(%s)\n", tc.Name, tc.Arguments)
		}
	}
	return b.String()
}

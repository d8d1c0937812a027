package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/kanbeast/kanbeast/pkg/config"
	"github.com/kanbeast/kanbeast/pkg/conversation"
	"github.com/kanbeast/kanbeast/pkg/llm"
	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

// Compaction is a short errand, not an open-ended session.
const compactionMaxIterations = 8

// compactionRunner builds the callback a conversation invokes when its
// history outgrows the threshold. The sub-conversation runs on whatever model
// the parent agent is currently using and shares its memories, so facts
// extracted during summarization land where the parent sees them.
func (o *Orchestrator) compactionRunner(ref *serviceRef) conversation.CompactionRunner {
	return func(ctx context.Context, req conversation.CompactionRequest) (string, error) {
		svc := ref.get()
		if svc == nil {
			return "", fmt.Errorf("no model available for compaction")
		}

		slot := &summarySlot{}

		conv := conversation.New(conversation.Options{
			TicketID:     req.TicketID,
			DisplayName:  "Compaction",
			Role:         models.RoleCompaction,
			Strategy:     models.StrategyCompacting,
			SystemPrompt: o.prompts.Get(config.PromptCompaction),
			UserInstructions: "Original task:\n" + req.OriginalTask +
				"\n\nHistory to summarize:\n" + req.HistoryBlock,
			Memories: req.Memories,
		})

		iterations := 0
		runReq := &llm.RunRequest{
			Conversation: conv,
			Tools:        tools.ForRole(models.RoleCompaction, models.TicketActive, o.deps(req.TicketID)),
			ExtraTools:   []*tools.Tool{slot.tool()},
			ToolContext: &tools.Context{
				TicketID:       req.TicketID,
				ConversationID: conv.ID(),
				Board:          o.board,
			},
			FinalizeOnExit: true,
			MaxIterations:  compactionMaxIterations,
			Iterations:     &iterations,
		}

		res, err := o.drive(ctx, &serviceRef{svc: svc}, runReq)
		if err != nil {
			return "", err
		}

		switch res.Reason {
		case llm.StopToolRequestedExit:
			if summary := slot.get(); summary != "" {
				return summary, nil
			}
			return "", fmt.Errorf("compaction exited without a summary")
		case llm.StopCompleted:
			// The model answered in prose instead of calling the tool; its
			// text is still a usable summary.
			if res.Content != "" {
				return res.Content, nil
			}
			return "", fmt.Errorf("compaction produced no summary")
		default:
			return "", fmt.Errorf("compaction ended with %s: %s", res.Reason, res.Message)
		}
	}
}

type summarySlot struct {
	mu   sync.Mutex
	text string
}

func (s *summarySlot) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *summarySlot) tool() *tools.Tool {
	return &tools.Tool{
		Name:        "summarize_history",
		Description: "Record the chapter summary of the history block and finish.",
		Params: []tools.Param{
			{Name: "summary", Type: "string", Description: "Concise summary preserving paths, decisions, and open problems", Required: true},
		},
		Handler: func(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
			summary, err := tools.RequireString(args, "summary")
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.text = summary
			s.mu.Unlock()
			return tools.ExitResult("Summary recorded."), nil
		},
	}
}

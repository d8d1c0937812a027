package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/kanbeast/kanbeast/pkg/config"
	"github.com/kanbeast/kanbeast/pkg/conversation"
	"github.com/kanbeast/kanbeast/pkg/llm"
	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

// A sub-agent that keeps exhausting its iterations is nudged to wrap up this
// many times before its last output is taken as the result. The ticket budget
// still cuts it off earlier.
const maxSubAgentNudges = 3

const subAgentNudge = "Continue working. Call agent_task_complete when done."

// startSubAgentTool lets a developer fan work out. Parallel tool calls from
// one assistant message become concurrent sub-agents; they share the
// developer's memories so findings propagate.
func (o *Orchestrator) startSubAgentTool(parentMemories *conversation.Memories) *tools.Tool {
	return &tools.Tool{
		Name: "start_sub_agent",
		Description: "Start a focused sub-agent on an independent chunk of work and wait for its result. " +
			"Issue several calls in one turn to run sub-agents concurrently.",
		Params: []tools.Param{
			{Name: "task", Type: "string", Description: "Short name of the chunk", Required: true},
			{Name: "instructions", Type: "string", Description: "Everything the sub-agent needs to know", Required: true},
		},
		Handler: func(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
			task, err := tools.RequireString(args, "task")
			if err != nil {
				return nil, err
			}
			instructions, err := tools.RequireString(args, "instructions")
			if err != nil {
				return nil, err
			}

			llmID := tc.SubAgentLlmID
			if llmID == "" {
				llmID = o.settings.DefaultSubAgentLlmID
			}
			svc := o.registry.GetService(llmID)
			if svc == nil {
				return tools.ErrorResult("no sub-agent model configured; set sub_agent_llm_config_id when starting the developer"), nil
			}

			result, err := o.runSubAgent(ctx, tc, svc, task, instructions, parentMemories)
			if err != nil {
				return nil, err
			}
			return tools.NewResult(result), nil
		},
	}
}

func (o *Orchestrator) runSubAgent(ctx context.Context, tc *tools.Context, svc *llm.Service, task, instructions string, memories *conversation.Memories) (string, error) {
	ref := &serviceRef{svc: svc}
	convID := "sub-" + tc.ToolCallID

	transcript := conversation.NewTranscript(o.transcripts, tc.TicketID)
	defer transcript.Close()

	var conv *conversation.Conversation
	if data, err := o.store.Get(tc.TicketID, convID); err == nil && data != nil && !data.Finished {
		conv = conversation.Reconstitute(data, conversation.Options{
			SystemPrompt:        o.systemPrompt(config.PromptSubAgent, data.Strategy),
			CompactionThreshold: o.settings.CompactionThreshold,
			Transcript:          transcript,
			Store:               o.store,
			Compactor:           o.compactionRunner(ref),
			OnSync:              o.onSync,
			OnFinish:            o.onFinish,
		})
	} else {
		conv = conversation.New(conversation.Options{
			ID:                  convID,
			TicketID:            tc.TicketID,
			DisplayName:         "Sub-agent: " + task,
			Role:                models.RoleSubAgent,
			Strategy:            o.settings.ConversationStrategy,
			SystemPrompt:        o.systemPrompt(config.PromptSubAgent, o.settings.ConversationStrategy),
			UserInstructions:    task + "\n\n" + instructions,
			Memories:            memories,
			CompactionThreshold: o.settings.CompactionThreshold,
			Transcript:          transcript,
			Store:               o.store,
			Compactor:           o.compactionRunner(ref),
			OnSync:              o.onSync,
			OnFinish:            o.onFinish,
		})
	}

	done := newCompletionSlot()
	reg := tools.ForRole(models.RoleSubAgent, models.TicketActive, o.deps(tc.TicketID))

	iterations := 0
	nudges := 0
	req := &llm.RunRequest{
		Conversation: conv,
		Tools:        reg,
		ExtraTools:   []*tools.Tool{done.tool()},
		ToolContext: &tools.Context{
			TicketID:       tc.TicketID,
			TaskID:         tc.TaskID,
			SubtaskID:      tc.SubtaskID,
			ConversationID: conv.ID(),
			WorkDir:        o.workDir,
			Board:          o.board,
			Shell:          tools.NewShellTable(),
			ReadFiles:      tools.NewReadSet(),
		},
		FinalizeOnExit: true,
		MaxIterations:  o.settings.MaxIterations,
		Iterations:     &iterations,
	}

	for {
		res, err := o.drive(ctx, ref, req)
		if err != nil {
			return "", err
		}

		switch res.Reason {
		case llm.StopToolRequestedExit:
			return done.result(), nil

		case llm.StopCompleted:
			conv.Finish()
			return res.Content, nil

		case llm.StopMaxIterationsReached:
			if nudges >= maxSubAgentNudges {
				conv.Finish()
				return "Sub-agent ran out of iterations. Last state:\n" + clipOutcome(res.Content), nil
			}
			nudges++
			iterations = 0
			conv.AppendUser(subAgentNudge)
			logger.DebugCF("agent", "Sub-agent nudged to continue",
				map[string]any{"conversation_id": conv.ID(), "nudge": nudges})

		case llm.StopCostExceeded:
			conv.Finish()
			return "Sub-agent stopped: ticket budget exhausted.", nil
		case llm.StopLlmCallFailed:
			conv.Finish()
			return "Sub-agent model failed: " + res.Message, nil
		case llm.StopRepetitionDetected:
			conv.Finish()
			return "Sub-agent got stuck repeating itself. Last turns:\n" + clipOutcome(res.Content), nil
		case llm.StopInterrupted:
			conv.Finish()
			return "Sub-agent was interrupted.", nil
		default:
			conv.Finish()
			return fmt.Sprintf("Sub-agent ended unexpectedly (%s).", res.Reason), nil
		}
	}
}

// completionSlot captures what a sub-agent hands to agent_task_complete.
type completionSlot struct {
	mu   sync.Mutex
	text string
}

func newCompletionSlot() *completionSlot {
	return &completionSlot{}
}

func (c *completionSlot) result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.text == "" {
		return "Sub-agent finished without reporting a result."
	}
	return c.text
}

func (c *completionSlot) tool() *tools.Tool {
	return &tools.Tool{
		Name:        "agent_task_complete",
		Description: "Report your results and finish. This is the only way to end your task.",
		Params: []tools.Param{
			{Name: "result", Type: "string", Description: "Findings, changes made, and anything left open", Required: true},
		},
		Handler: func(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
			result, err := tools.RequireString(args, "result")
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.text = result
			c.mu.Unlock()
			return tools.ExitResult("Task complete."), nil
		},
	}
}

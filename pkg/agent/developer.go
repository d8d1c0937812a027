package agent

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kanbeast/kanbeast/pkg/config"
	"github.com/kanbeast/kanbeast/pkg/conversation"
	"github.com/kanbeast/kanbeast/pkg/llm"
	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

// A developer that exhausts its context gets a fresh conversation carrying a
// continuation prompt; after this many resets the subtask is given back to
// the planner.
const maxContextResets = 2

// startDeveloperTool is the planner's dispatch tool. It runs the whole
// developer session synchronously inside the handler, so the planner's tool
// response is the subtask outcome.
func (o *Orchestrator) startDeveloperTool(plannerRef *serviceRef) *tools.Tool {
	return &tools.Tool{
		Name: "start_developer",
		Description: "Start a developer agent on one subtask and wait for it to finish. " +
			"Pick models from get_next_work_item's availableLlms list.",
		Params: []tools.Param{
			{Name: "task_id", Type: "string", Description: "Parent task id", Required: true},
			{Name: "subtask_id", Type: "string", Description: "Subtask to work on", Required: true},
			{Name: "llm_config_id", Type: "string", Description: "Model config for the developer", Required: true},
			{Name: "sub_agent_llm_config_id", Type: "string", Description: "Model config for any sub-agents the developer spawns"},
			{Name: "instructions", Type: "string", Description: "Extra guidance for the developer"},
		},
		Handler: func(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
			taskID, err := tools.RequireString(args, "task_id")
			if err != nil {
				return nil, err
			}
			subtaskID, err := tools.RequireString(args, "subtask_id")
			if err != nil {
				return nil, err
			}
			llmID, err := tools.RequireString(args, "llm_config_id")
			if err != nil {
				return nil, err
			}

			ticket, err := o.board.GetTicket(tc.TicketID)
			if err != nil {
				return nil, err
			}
			task, subtask := ticket.FindSubtask(subtaskID)
			if subtask == nil {
				return tools.ErrorResult("no subtask with id %q", subtaskID), nil
			}
			if task.ID != taskID {
				return tools.ErrorResult("subtask %q belongs to task %q, not %q", subtaskID, task.ID, taskID), nil
			}

			svc := o.registry.GetService(llmID)
			if svc == nil {
				return tools.ErrorResult("no model config %q; check availableLlms from get_next_work_item", llmID), nil
			}
			if !svc.IsAvailable() {
				return tools.ErrorResult("model %q is unavailable right now; pick another", llmID), nil
			}

			if err := o.board.SetSubtaskStatus(tc.TicketID, subtaskID, models.SubtaskInProgress); err != nil {
				return nil, err
			}
			if err := o.board.AppendActivity(tc.TicketID, "Started subtask: "+subtask.Name); err != nil {
				return nil, err
			}

			dev := &developerRun{
				orch:          o,
				ticketID:      tc.TicketID,
				task:          task,
				subtask:       subtask,
				subAgentLlmID: tools.StringArg(args, "sub_agent_llm_config_id"),
				instructions:  tools.StringArg(args, "instructions"),
				// Keyed by the planner's tool-call id so a crashed worker
				// resumes the same developer session.
				convID: "dev-" + tc.ToolCallID,
			}
			dev.ref = &serviceRef{svc: svc}

			outcome, err := dev.run(ctx)
			if err != nil {
				return nil, err
			}
			return tools.NewResult(outcome), nil
		},
	}
}

// developerRun is one developer session: one subtask, one model, up to
// maxContextResets fresh conversations.
type developerRun struct {
	orch          *Orchestrator
	ticketID      string
	task          *models.Task
	subtask       *models.Subtask
	subAgentLlmID string
	instructions  string
	convID        string
	ref           *serviceRef
}

func (d *developerRun) run(ctx context.Context) (string, error) {
	o := d.orch

	transcript := conversation.NewTranscript(o.transcripts, d.ticketID)
	defer transcript.Close()

	conv := d.conversation(transcript, d.convID, "", nil)
	defer conv.Sync()

	iterations := 0
	resets := 0
	var lastContent string

	for {
		reg := tools.ForRole(models.RoleDeveloper, models.TicketActive, o.deps(d.ticketID))

		req := &llm.RunRequest{
			Conversation: conv,
			Tools:        reg,
			ExtraTools:   []*tools.Tool{o.startSubAgentTool(conv.Memories())},
			ToolContext: &tools.Context{
				TicketID:       d.ticketID,
				TaskID:         d.task.ID,
				SubtaskID:      d.subtask.ID,
				ConversationID: conv.ID(),
				WorkDir:        o.workDir,
				SubAgentLlmID:  d.subAgentLlmID,
				Board:          o.board,
				Shell:          tools.NewShellTable(),
				ReadFiles:      tools.NewReadSet(),
			},
			FinalizeOnExit: true,
			MaxIterations:  o.settings.MaxIterations,
			Iterations:     &iterations,
		}

		res, err := o.drive(ctx, d.ref, req)
		if err != nil {
			return "", err
		}

		switch res.Reason {
		case llm.StopToolRequestedExit:
			if res.FinalTool == "end_subtask" {
				return fmt.Sprintf("Subtask %q completed.", d.subtask.Name), nil
			}
			// Another exit tool; treat the session as over without success.
			return fmt.Sprintf("Developer stopped early (via %s) without finishing subtask %q.",
				res.FinalTool, d.subtask.Name), nil

		case llm.StopCompleted, llm.StopMaxIterationsReached:
			lastContent = res.Content
			if resets >= maxContextResets {
				return fmt.Sprintf("Developer gave up on subtask %q after %d context resets. Last state: %s",
					d.subtask.Name, resets, clipOutcome(lastContent)), nil
			}
			resets++
			conv.Finish()
			logger.InfoCF("agent", "Developer context reset",
				map[string]any{"ticket_id": d.ticketID, "subtask": d.subtask.Name, "reset": resets})
			conv = d.conversation(transcript, d.convID+"-r"+strconv.Itoa(resets), lastContent, conv.Memories())
			iterations = 0

		case llm.StopCostExceeded:
			return fmt.Sprintf("Developer stopped: ticket budget exhausted while on subtask %q.", d.subtask.Name), nil
		case llm.StopLlmCallFailed:
			return fmt.Sprintf("Developer model failed on subtask %q: %s. Consider another llm_config_id.",
				d.subtask.Name, res.Message), nil
		case llm.StopRepetitionDetected:
			return fmt.Sprintf("Developer got stuck repeating itself on subtask %q. Last turns:\n%s",
				d.subtask.Name, clipOutcome(res.Content)), nil
		case llm.StopInterrupted:
			return fmt.Sprintf("Developer was interrupted on subtask %q.", d.subtask.Name), nil
		default:
			return fmt.Sprintf("Developer ended unexpectedly (%s) on subtask %q.", res.Reason, d.subtask.Name), nil
		}
	}
}

// conversation resumes a stored developer conversation for this id if one
// survived a crash, otherwise starts fresh. A non-empty priorState means this
// is a context reset and the new conversation opens with a continuation
// prompt.
func (d *developerRun) conversation(transcript *conversation.Transcript, id, priorState string, memories *conversation.Memories) *conversation.Conversation {
	o := d.orch

	if data, err := o.store.Get(d.ticketID, id); err == nil && data != nil && !data.Finished {
		logger.InfoCF("agent", "Resuming developer conversation",
			map[string]any{"ticket_id": d.ticketID, "conversation_id": id})
		return conversation.Reconstitute(data, conversation.Options{
			SystemPrompt:        o.systemPrompt(config.PromptDeveloper, data.Strategy),
			CompactionThreshold: o.settings.CompactionThreshold,
			Transcript:          transcript,
			Store:               o.store,
			Compactor:           o.compactionRunner(d.ref),
			OnSync:              o.onSync,
			OnFinish:            o.onFinish,
		})
	}

	instructions := d.brief()
	if priorState != "" {
		instructions += "\n\nYou were already working on this subtask but ran out of context. " +
			"Where things stood:\n" + clipOutcome(priorState) +
			"\n\nDecide whether to continue that approach or take a fresh one."
	}

	return conversation.New(conversation.Options{
		ID:                  id,
		TicketID:            d.ticketID,
		DisplayName:         "Developer: " + d.subtask.Name,
		Role:                models.RoleDeveloper,
		Strategy:            o.settings.ConversationStrategy,
		SystemPrompt:        o.systemPrompt(config.PromptDeveloper, o.settings.ConversationStrategy),
		UserInstructions:    instructions,
		Memories:            memories,
		CompactionThreshold: o.settings.CompactionThreshold,
		Transcript:          transcript,
		Store:               o.store,
		Compactor:           o.compactionRunner(d.ref),
		OnSync:              o.onSync,
		OnFinish:            o.onFinish,
	})
}

func (d *developerRun) brief() string {
	text := fmt.Sprintf("Task: %s\nSubtask: %s\n\n%s", d.task.Name, d.subtask.Name, d.subtask.Description)
	if d.instructions != "" {
		text += "\n\nPlanner guidance: " + d.instructions
	}
	text += "\n\nCall end_subtask with a summary when the subtask is done."
	return text
}

// clipOutcome bounds the state text relayed between agents.
func clipOutcome(text string) string {
	const limit = 2000
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}

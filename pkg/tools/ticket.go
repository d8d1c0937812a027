package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kanbeast/kanbeast/pkg/models"
)

// NewTicketLogTool records an entry in the ticket's activity log.
func NewTicketLogTool() *Tool {
	return &Tool{
		Name:        "log_activity",
		Description: "Append a short progress note to the ticket's activity log, visible on the board.",
		Params: []Param{
			{Name: "message", Type: "string", Description: "Progress note", Required: true},
		},
		Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
			message, err := RequireString(args, "message")
			if err != nil {
				return nil, err
			}
			if err := tc.Board.AppendActivity(tc.TicketID, message); err != nil {
				return nil, err
			}
			return NewResult("Logged."), nil
		},
	}
}

// NewPlanningTools returns task/subtask creation tools (Planning role while
// the ticket sits in Backlog).
func NewPlanningTools() []*Tool {
	return []*Tool{
		{
			Name:        "create_task",
			Description: "Create a task on the ticket. Creating a task with an existing name updates its description instead.",
			Params: []Param{
				{Name: "name", Type: "string", Description: "Unique task name", Required: true},
				{Name: "description", Type: "string", Description: "What this task covers"},
			},
			Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
				name, err := RequireString(args, "name")
				if err != nil {
					return nil, err
				}
				task, err := tc.Board.AddTask(tc.TicketID, name, StringArg(args, "description"))
				if err != nil {
					return nil, err
				}
				return NewResult(fmt.Sprintf("Task %q created (id %s).", task.Name, task.ID)), nil
			},
		},
		{
			Name:        "create_subtask",
			Description: "Create a subtask under a task. Creating a subtask with an existing name updates its description instead.",
			Params: []Param{
				{Name: "task_name", Type: "string", Description: "Parent task name", Required: true},
				{Name: "name", Type: "string", Description: "Unique subtask name", Required: true},
				{Name: "description", Type: "string", Description: "What to do"},
			},
			Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
				taskName, err := RequireString(args, "task_name")
				if err != nil {
					return nil, err
				}
				name, err := RequireString(args, "name")
				if err != nil {
					return nil, err
				}
				st, err := tc.Board.AddSubtask(tc.TicketID, taskName, name, StringArg(args, "description"))
				if err != nil {
					return nil, err
				}
				return NewResult(fmt.Sprintf("Subtask %q created (id %s).", st.Name, st.ID)), nil
			},
		},
	}
}

// NewActivePlanningTools returns the tools a planner gets once the ticket is
// Active: work-item selection and model-note editing. llmSummaries reports
// which models are affordable and available right now.
func NewActivePlanningTools(llmSummaries func() []models.LlmSummary) []*Tool {
	return []*Tool{
		{
			Name:        "get_next_work_item",
			Description: "Return the next incomplete subtask along with the models currently available for it.",
			Params:      []Param{},
			Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
				ticket, err := tc.Board.GetTicket(tc.TicketID)
				if err != nil {
					return nil, err
				}
				task, st, err := ticket.NextWorkItem()
				if err != nil {
					return NewResult("All subtasks are complete."), nil
				}
				payload := map[string]any{
					"taskId":      task.ID,
					"taskName":    task.Name,
					"subtaskId":   st.ID,
					"subtaskName": st.Name,
					"description": st.Description,
					"status":      st.Status,
				}
				if llmSummaries != nil {
					payload["availableLlms"] = llmSummaries()
				}
				data, err := json.MarshalIndent(payload, "", "  ")
				if err != nil {
					return nil, err
				}
				return NewResult(string(data)), nil
			},
		},
		{
			Name:        "update_llm_notes",
			Description: "Record what a model is good or bad at, to inform future model choices.",
			Params: []Param{
				{Name: "llm_id", Type: "string", Description: "LLM config id", Required: true},
				{Name: "strengths", Type: "string", Description: "Observed strengths"},
				{Name: "weaknesses", Type: "string", Description: "Observed weaknesses"},
			},
			Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
				llmID, err := RequireString(args, "llm_id")
				if err != nil {
					return nil, err
				}
				err = tc.Board.UpdateLlmNotes(llmID, StringArg(args, "strengths"), StringArg(args, "weaknesses"))
				if err != nil {
					return nil, err
				}
				return NewResult("Notes updated."), nil
			},
		},
	}
}

// NewEndSubtaskTool finishes the developer's subtask and exits its loop.
func NewEndSubtaskTool() *Tool {
	return &Tool{
		Name:        "end_subtask",
		Description: "Mark the current subtask complete and finish this development session.",
		Params: []Param{
			{Name: "summary", Type: "string", Description: "What was done", Required: true},
		},
		Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
			summary, err := RequireString(args, "summary")
			if err != nil {
				return nil, err
			}
			if err := tc.Board.SetSubtaskStatus(tc.TicketID, tc.SubtaskID, models.SubtaskComplete); err != nil {
				return nil, err
			}
			if err := tc.Board.AppendActivity(tc.TicketID, "Subtask completed: "+summary); err != nil {
				return nil, err
			}
			return ExitResult("Subtask completed: " + summary), nil
		},
	}
}

// NewCompleteTicketTool lets the planner close the ticket out.
func NewCompleteTicketTool() *Tool {
	return &Tool{
		Name:        "complete_ticket",
		Description: "Mark the whole ticket done and end planning. Only call this when every subtask is complete.",
		Params: []Param{
			{Name: "summary", Type: "string", Description: "Closing summary", Required: true},
		},
		Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
			summary, err := RequireString(args, "summary")
			if err != nil {
				return nil, err
			}
			if err := tc.Board.SetTicketStatus(tc.TicketID, models.TicketDone); err != nil {
				return nil, err
			}
			if err := tc.Board.AppendActivity(tc.TicketID, "Ticket complete: "+summary); err != nil {
				return nil, err
			}
			return ExitResult("Ticket complete: " + summary), nil
		},
	}
}

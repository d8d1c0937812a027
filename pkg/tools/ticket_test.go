package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbeast/kanbeast/pkg/models"
)

// boardStub records mutations for assertions.
type boardStub struct {
	ticket          *models.Ticket
	activity        []string
	subtaskStatuses map[string]models.SubtaskStatus
	ticketStatus    models.TicketStatus
	notes           [3]string
}

func newBoardStub() *boardStub {
	return &boardStub{
		ticket: &models.Ticket{
			ID:     "1",
			Title:  "test",
			Status: models.TicketActive,
			Tasks: []*models.Task{
				{
					ID:   "task-1",
					Name: "Build API",
					Subtasks: []*models.Subtask{
						{ID: "subtask-1", Name: "add handler", Description: "wire the route", Status: models.SubtaskIncomplete},
						{ID: "subtask-2", Name: "add tests", Status: models.SubtaskIncomplete},
					},
				},
			},
		},
		subtaskStatuses: map[string]models.SubtaskStatus{},
	}
}

func (b *boardStub) GetTicket(ticketID string) (*models.Ticket, error) { return b.ticket, nil }

func (b *boardStub) AppendActivity(ticketID, entry string) error {
	b.activity = append(b.activity, entry)
	return nil
}

func (b *boardStub) AddTask(ticketID, name, description string) (*models.Task, error) {
	return &models.Task{ID: "task-new", Name: name, Description: description}, nil
}

func (b *boardStub) AddSubtask(ticketID, taskName, name, description string) (*models.Subtask, error) {
	return &models.Subtask{ID: "subtask-new", Name: name, Description: description}, nil
}

func (b *boardStub) SetSubtaskStatus(ticketID, subtaskID string, status models.SubtaskStatus) error {
	b.subtaskStatuses[subtaskID] = status
	return nil
}

func (b *boardStub) SetTicketStatus(ticketID string, status models.TicketStatus) error {
	b.ticketStatus = status
	return nil
}

func (b *boardStub) AddLlmCost(ticketID string, cost float64) error { return nil }

func (b *boardStub) UpdateLlmNotes(llmID, strengths, weaknesses string) error {
	b.notes = [3]string{llmID, strengths, weaknesses}
	return nil
}

func stubContext(b *boardStub) *Context {
	return &Context{TicketID: "1", SubtaskID: "subtask-1", Board: b}
}

func TestCreateTaskTool(t *testing.T) {
	b := newBoardStub()
	tool := NewPlanningTools()[0]
	require.Equal(t, "create_task", tool.Name)

	res, err := tool.Handler(context.Background(), stubContext(b),
		map[string]any{"name": "Build API", "description": "the plan"})
	require.NoError(t, err)
	assert.Contains(t, res.Response, `Task "Build API" created`)
	assert.Contains(t, res.Response, "task-new")
	assert.False(t, res.ExitLoop)

	_, err = tool.Handler(context.Background(), stubContext(b), map[string]any{})
	assert.Error(t, err)
}

func TestCreateSubtaskTool(t *testing.T) {
	b := newBoardStub()
	tool := NewPlanningTools()[1]
	require.Equal(t, "create_subtask", tool.Name)

	res, err := tool.Handler(context.Background(), stubContext(b),
		map[string]any{"task_name": "Build API", "name": "add handler"})
	require.NoError(t, err)
	assert.Contains(t, res.Response, `Subtask "add handler" created`)
}

func TestGetNextWorkItemTool(t *testing.T) {
	b := newBoardStub()
	summaries := func() []models.LlmSummary {
		return []models.LlmSummary{{ID: "cheap", Model: "small-model", IsAvailable: true}}
	}
	tool := NewActivePlanningTools(summaries)[0]
	require.Equal(t, "get_next_work_item", tool.Name)

	res, err := tool.Handler(context.Background(), stubContext(b), map[string]any{})
	require.NoError(t, err)

	var payload struct {
		TaskID        string             `json:"taskId"`
		SubtaskID     string             `json:"subtaskId"`
		SubtaskName   string             `json:"subtaskName"`
		AvailableLlms []models.LlmSummary `json:"availableLlms"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Response), &payload))
	assert.Equal(t, "task-1", payload.TaskID)
	assert.Equal(t, "subtask-1", payload.SubtaskID)
	assert.Equal(t, "add handler", payload.SubtaskName)
	require.Len(t, payload.AvailableLlms, 1)
	assert.Equal(t, "cheap", payload.AvailableLlms[0].ID)
}

func TestGetNextWorkItemSkipsCompleteSubtasks(t *testing.T) {
	b := newBoardStub()
	b.ticket.Tasks[0].Subtasks[0].Status = models.SubtaskComplete
	tool := NewActivePlanningTools(nil)[0]

	res, err := tool.Handler(context.Background(), stubContext(b), map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, res.Response, "subtask-2")
}

func TestGetNextWorkItemAllComplete(t *testing.T) {
	b := newBoardStub()
	for _, st := range b.ticket.Tasks[0].Subtasks {
		st.Status = models.SubtaskComplete
	}
	tool := NewActivePlanningTools(nil)[0]

	res, err := tool.Handler(context.Background(), stubContext(b), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "All subtasks are complete.", res.Response)
}

func TestUpdateLlmNotesTool(t *testing.T) {
	b := newBoardStub()
	tool := NewActivePlanningTools(nil)[1]
	require.Equal(t, "update_llm_notes", tool.Name)

	_, err := tool.Handler(context.Background(), stubContext(b),
		map[string]any{"llm_id": "cheap", "strengths": "fast", "weaknesses": "shallow"})
	require.NoError(t, err)
	assert.Equal(t, [3]string{"cheap", "fast", "shallow"}, b.notes)
}

func TestEndSubtaskTool(t *testing.T) {
	b := newBoardStub()
	tool := NewEndSubtaskTool()

	res, err := tool.Handler(context.Background(), stubContext(b),
		map[string]any{"summary": "added the handler"})
	require.NoError(t, err)
	assert.True(t, res.ExitLoop)
	assert.Equal(t, "Subtask completed: added the handler", res.Response)
	assert.Equal(t, models.SubtaskComplete, b.subtaskStatuses["subtask-1"])
	assert.Contains(t, b.activity, "Subtask completed: added the handler")
}

func TestCompleteTicketTool(t *testing.T) {
	b := newBoardStub()
	tool := NewCompleteTicketTool()

	res, err := tool.Handler(context.Background(), stubContext(b),
		map[string]any{"summary": "all shipped"})
	require.NoError(t, err)
	assert.True(t, res.ExitLoop)
	assert.Equal(t, models.TicketDone, b.ticketStatus)
	assert.Contains(t, b.activity, "Ticket complete: all shipped")
}

func TestTicketLogTool(t *testing.T) {
	b := newBoardStub()
	tool := NewTicketLogTool()

	res, err := tool.Handler(context.Background(), stubContext(b),
		map[string]any{"message": "halfway there"})
	require.NoError(t, err)
	assert.Equal(t, "Logged.", res.Response)
	assert.Equal(t, []string{"halfway there"}, b.activity)
}

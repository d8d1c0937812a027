package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTicketTransition(t *testing.T) {
	cases := []struct {
		from, to TicketStatus
		ok       bool
	}{
		{TicketBacklog, TicketActive, true},
		{TicketBacklog, TicketDone, false},
		{TicketBacklog, TicketFailed, false},
		{TicketActive, TicketDone, true},
		{TicketActive, TicketFailed, true},
		{TicketActive, TicketBacklog, true},
		{TicketFailed, TicketBacklog, true},
		{TicketFailed, TicketDone, false},
		{TicketDone, TicketActive, false},
		{TicketDone, TicketDone, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, ValidTicketTransition(c.from, c.to),
			"%s -> %s", c.from, c.to)
	}
}

func TestRemainingBudget(t *testing.T) {
	assert.Zero(t, (&Ticket{MaxCost: 0, LlmCost: 100}).RemainingBudget())
	assert.Equal(t, 3.0, (&Ticket{MaxCost: 5, LlmCost: 2}).RemainingBudget())
	assert.Zero(t, (&Ticket{MaxCost: 5, LlmCost: 7}).RemainingBudget())
}

func TestNextWorkItem(t *testing.T) {
	ticket := &Ticket{
		Tasks: []*Task{
			{ID: "t1", Subtasks: []*Subtask{
				{ID: "s1", Status: SubtaskComplete},
				{ID: "s2", Status: SubtaskInProgress},
			}},
			{ID: "t2", Subtasks: []*Subtask{
				{ID: "s3", Status: SubtaskIncomplete},
			}},
		},
	}

	task, st, err := ticket.NextWorkItem()
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "s2", st.ID)

	for _, task := range ticket.Tasks {
		for _, st := range task.Subtasks {
			st.Status = SubtaskComplete
		}
	}
	_, _, err = ticket.NextWorkItem()
	assert.Error(t, err)
}

func TestFindSubtask(t *testing.T) {
	ticket := &Ticket{
		Tasks: []*Task{
			{ID: "t1", Subtasks: []*Subtask{{ID: "s1"}}},
		},
	}

	task, st := ticket.FindSubtask("s1")
	require.NotNil(t, st)
	assert.Equal(t, "t1", task.ID)

	task, st = ticket.FindSubtask("nope")
	assert.Nil(t, task)
	assert.Nil(t, st)
}

func TestActivityTimestamp(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "2025-03-14 09:26:53", ActivityTimestamp(ts))
}

func TestHasToolCall(t *testing.T) {
	msg := &Message{Role: "assistant", ToolCalls: []ToolCall{{Name: "push_context"}}}
	assert.True(t, msg.HasToolCall("push_context"))
	assert.False(t, msg.HasToolCall("pop_context"))
}

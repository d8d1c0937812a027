package models

import (
	"fmt"
	"time"
)

type TicketStatus string

const (
	TicketBacklog TicketStatus = "Backlog"
	TicketActive  TicketStatus = "Active"
	TicketFailed  TicketStatus = "Failed"
	TicketDone    TicketStatus = "Done"
)

type SubtaskStatus string

const (
	SubtaskIncomplete     SubtaskStatus = "Incomplete"
	SubtaskInProgress     SubtaskStatus = "InProgress"
	SubtaskAwaitingReview SubtaskStatus = "AwaitingReview"
	SubtaskComplete       SubtaskStatus = "Complete"
	SubtaskRejected       SubtaskStatus = "Rejected"
)

// Ticket is the board's unit of work. IDs are monotonically increasing
// integers encoded as strings.
type Ticket struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        TicketStatus `json:"status"`
	Branch        string       `json:"branch,omitempty"`
	PlannerLlmID  string       `json:"plannerLlmId,omitempty"`
	Tasks         []*Task      `json:"tasks"`
	Activity      []string     `json:"activity"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	ContainerName string       `json:"containerName,omitempty"`
	LlmCost       float64      `json:"llmCost"`
	MaxCost       float64      `json:"maxCost"` // 0 = unlimited
}

type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Subtasks    []*Subtask `json:"subtasks"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type Subtask struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      SubtaskStatus `json:"status"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// ValidTicketTransition reports whether moving a ticket from one status to
// another is allowed. Failed and Active tickets may return to Backlog; a
// ticket never jumps straight from Backlog to Done.
func ValidTicketTransition(from, to TicketStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TicketBacklog:
		return to == TicketActive
	case TicketActive:
		return to == TicketDone || to == TicketFailed || to == TicketBacklog
	case TicketFailed:
		return to == TicketBacklog
	case TicketDone:
		return false
	}
	return false
}

// RemainingBudget returns how much LLM spend is left, or 0 when the ticket
// has no cost cap.
func (t *Ticket) RemainingBudget() float64 {
	if t.MaxCost <= 0 {
		return 0
	}
	remaining := t.MaxCost - t.LlmCost
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ActivityTimestamp renders the UTC prefix used for activity log entries.
func ActivityTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// FindTask returns the task with the given id, or nil.
func (t *Ticket) FindTask(taskID string) *Task {
	for _, task := range t.Tasks {
		if task.ID == taskID {
			return task
		}
	}
	return nil
}

// FindSubtask returns the task and subtask for the given subtask id.
func (t *Ticket) FindSubtask(subtaskID string) (*Task, *Subtask) {
	for _, task := range t.Tasks {
		for _, st := range task.Subtasks {
			if st.ID == subtaskID {
				return task, st
			}
		}
	}
	return nil, nil
}

// NextWorkItem returns the first subtask that is not Complete, in task order.
func (t *Ticket) NextWorkItem() (*Task, *Subtask, error) {
	for _, task := range t.Tasks {
		for _, st := range task.Subtasks {
			if st.Status != SubtaskComplete {
				return task, st, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("no incomplete subtasks remain")
}

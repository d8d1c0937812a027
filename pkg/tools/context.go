package tools

import (
	"sync"

	"github.com/kanbeast/kanbeast/pkg/models"
)

// BoardAPI is what ticket tools need from the board. Workers get an HTTP
// client implementation; tests get fakes.
type BoardAPI interface {
	GetTicket(ticketID string) (*models.Ticket, error)
	AppendActivity(ticketID, entry string) error
	AddTask(ticketID, name, description string) (*models.Task, error)
	AddSubtask(ticketID, taskName, name, description string) (*models.Subtask, error)
	SetSubtaskStatus(ticketID, subtaskID string, status models.SubtaskStatus) error
	SetTicketStatus(ticketID string, status models.TicketStatus) error
	AddLlmCost(ticketID string, cost float64) error
	UpdateLlmNotes(llmID, strengths, weaknesses string) error
}

// Context is the per-invocation state handed to tool handlers. The driver
// gives every dispatched call its own shallow copy with ToolCallID set, so
// concurrent calls from one assistant message don't race on it.
type Context struct {
	TicketID       string
	TaskID         string
	SubtaskID      string
	ConversationID string
	ToolCallID     string
	WorkDir        string
	ActiveModel    string
	SubAgentLlmID  string

	Board     BoardAPI
	Shell     *ShellTable
	ReadFiles *ReadSet
}

// WithToolCallID returns a copy of the context scoped to one tool call.
func (c *Context) WithToolCallID(id string) *Context {
	if c == nil {
		return &Context{ToolCallID: id}
	}
	clone := *c
	clone.ToolCallID = id
	return &clone
}

// ReadSet tracks which files an agent has read, enforcing read-before-edit.
// Shared between a parent context and its per-call copies.
type ReadSet struct {
	mu    sync.Mutex
	paths map[string]bool
}

func NewReadSet() *ReadSet {
	return &ReadSet{paths: make(map[string]bool)}
}

func (r *ReadSet) Mark(path string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[path] = true
}

func (r *ReadSet) Seen(path string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[path]
}

package board

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

// Broadcaster fans ticket events out to connected clients. The hub implements
// it; tests use NopBroadcaster.
type Broadcaster interface {
	TicketCreated(t *models.Ticket)
	TicketUpdated(t *models.Ticket)
	TicketDeleted(ticketID string)
}

type NopBroadcaster struct{}

func (NopBroadcaster) TicketCreated(t *models.Ticket) {}
func (NopBroadcaster) TicketUpdated(t *models.Ticket) {}
func (NopBroadcaster) TicketDeleted(ticketID string)  {}

// Service is the board: an in-memory ticket map persisted to one JSON file
// per ticket on every mutation. IDs are monotonic integers recovered from the
// filenames on startup.
type Service struct {
	dir       string
	broadcast Broadcaster

	// OnActivated is called after a ticket transitions to Active, outside
	// the service lock. The server wires the worker launcher here.
	OnActivated func(t *models.Ticket)

	// NotesSink receives planner edits to a model's strengths/weaknesses.
	NotesSink func(llmID, strengths, weaknesses string) error

	mu      sync.RWMutex
	tickets map[string]*models.Ticket
	nextID  int
}

func NewService(dir string, broadcast Broadcaster) (*Service, error) {
	if broadcast == nil {
		broadcast = NopBroadcaster{}
	}
	s := &Service{
		dir:       dir,
		broadcast: broadcast,
		tickets:   make(map[string]*models.Ticket),
		nextID:    1,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ticketPath(id string) string {
	return filepath.Join(s.dir, "ticket-"+id+".json")
}

func (s *Service) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	maxID := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "ticket-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "ticket-"), ".json")
		n, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		if n > maxID {
			maxID = n
		}

		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			logger.WarnCF("board", "Failed to read ticket file",
				map[string]any{"file": name, "error": err.Error()})
			continue
		}
		var t models.Ticket
		if err := json.Unmarshal(raw, &t); err != nil {
			logger.WarnCF("board", "Skipping corrupt ticket file",
				map[string]any{"file": name, "error": err.Error()})
			continue
		}
		s.tickets[t.ID] = &t
	}
	s.nextID = maxID + 1
	return nil
}

// persist writes one ticket to disk. Failures are warned and swallowed; the
// next mutation overwrites.
func (s *Service) persist(t *models.Ticket) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		logger.WarnCF("board", "Failed to create tickets dir", map[string]any{"error": err.Error()})
		return
	}
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		logger.WarnCF("board", "Failed to encode ticket", map[string]any{"ticket_id": t.ID, "error": err.Error()})
		return
	}
	if err := os.WriteFile(s.ticketPath(t.ID), raw, 0o644); err != nil {
		logger.WarnCF("board", "Failed to persist ticket", map[string]any{"ticket_id": t.ID, "error": err.Error()})
	}
}

func copyTicket(t *models.Ticket) *models.Ticket {
	raw, err := json.Marshal(t)
	if err != nil {
		return t
	}
	var clone models.Ticket
	if err := json.Unmarshal(raw, &clone); err != nil {
		return t
	}
	return &clone
}

// List returns all tickets sorted by creation time.
func (s *Service) List() []*models.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, copyTicket(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetTicket returns a copy of one ticket.
func (s *Service) GetTicket(ticketID string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s not found", ticketID)
	}
	return copyTicket(t), nil
}

// Create allocates the next id and stores a Backlog ticket.
func (s *Service) Create(title, description, branch, plannerLlmID string, maxCost float64) *models.Ticket {
	s.mu.Lock()
	id := strconv.Itoa(s.nextID)
	s.nextID++

	now := time.Now().UTC()
	t := &models.Ticket{
		ID:           id,
		Title:        title,
		Description:  description,
		Status:       models.TicketBacklog,
		Branch:       branch,
		PlannerLlmID: plannerLlmID,
		Tasks:        []*models.Task{},
		Activity:     []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
		MaxCost:      maxCost,
	}
	s.tickets[id] = t
	s.persist(t)
	out := copyTicket(t)
	s.mu.Unlock()

	s.broadcast.TicketCreated(out)
	return out
}

// Update patches title/description/branch/planner/budget of a ticket.
func (s *Service) Update(ticketID string, apply func(t *models.Ticket)) (*models.Ticket, error) {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("ticket %s not found", ticketID)
	}
	apply(t)
	t.UpdatedAt = time.Now().UTC()
	s.persist(t)
	out := copyTicket(t)
	s.mu.Unlock()

	s.broadcast.TicketUpdated(out)
	return out, nil
}

// Delete removes a ticket and its file.
func (s *Service) Delete(ticketID string) error {
	s.mu.Lock()
	_, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	delete(s.tickets, ticketID)
	err := os.Remove(s.ticketPath(ticketID))
	s.mu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		logger.WarnCF("board", "Failed to delete ticket file",
			map[string]any{"ticket_id": ticketID, "error": err.Error()})
	}
	s.broadcast.TicketDeleted(ticketID)
	return nil
}

// SetTicketStatus applies a state-machine transition. Activation triggers the
// OnActivated hook (worker launch) after the lock is released.
func (s *Service) SetTicketStatus(ticketID string, status models.TicketStatus) error {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	if !models.ValidTicketTransition(t.Status, status) {
		from := t.Status
		s.mu.Unlock()
		return fmt.Errorf("invalid ticket transition %s -> %s", from, status)
	}
	activated := status == models.TicketActive && t.Status != models.TicketActive
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	s.appendActivityLocked(t, "Status changed to "+string(status))
	s.persist(t)
	out := copyTicket(t)
	s.mu.Unlock()

	s.broadcast.TicketUpdated(out)
	if activated && s.OnActivated != nil {
		s.OnActivated(out)
	}
	return nil
}

func (s *Service) appendActivityLocked(t *models.Ticket, entry string) {
	t.Activity = append(t.Activity, models.ActivityTimestamp(time.Now())+" "+entry)
}

// AppendActivity adds one timestamped entry to the ticket's append-only log.
func (s *Service) AppendActivity(ticketID, entry string) error {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	s.appendActivityLocked(t, entry)
	t.UpdatedAt = time.Now().UTC()
	s.persist(t)
	out := copyTicket(t)
	s.mu.Unlock()

	s.broadcast.TicketUpdated(out)
	return nil
}

// AddTask creates a task, or updates the description of an existing task with
// the same name so planner reruns converge.
func (s *Service) AddTask(ticketID, name, description string) (*models.Task, error) {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("ticket %s not found", ticketID)
	}

	var task *models.Task
	for _, existing := range t.Tasks {
		if existing.Name == name {
			task = existing
			break
		}
	}
	if task == nil {
		task = &models.Task{
			ID:       "task-" + uuid.NewString()[:8],
			Name:     name,
			Subtasks: []*models.Subtask{},
		}
		t.Tasks = append(t.Tasks, task)
	}
	task.Description = description
	task.UpdatedAt = time.Now().UTC()
	t.UpdatedAt = task.UpdatedAt
	s.persist(t)
	result := *task
	out := copyTicket(t)
	s.mu.Unlock()

	s.broadcast.TicketUpdated(out)
	return &result, nil
}

// AddSubtask creates a subtask under the named task, idempotent by name.
func (s *Service) AddSubtask(ticketID, taskName, name, description string) (*models.Subtask, error) {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("ticket %s not found", ticketID)
	}

	var task *models.Task
	for _, existing := range t.Tasks {
		if existing.Name == taskName {
			task = existing
			break
		}
	}
	if task == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %q not found on ticket %s", taskName, ticketID)
	}

	var subtask *models.Subtask
	for _, existing := range task.Subtasks {
		if existing.Name == name {
			subtask = existing
			break
		}
	}
	if subtask == nil {
		subtask = &models.Subtask{
			ID:     "subtask-" + uuid.NewString()[:8],
			Name:   name,
			Status: models.SubtaskIncomplete,
		}
		task.Subtasks = append(task.Subtasks, subtask)
	}
	subtask.Description = description
	subtask.UpdatedAt = time.Now().UTC()
	task.UpdatedAt = subtask.UpdatedAt
	t.UpdatedAt = subtask.UpdatedAt
	s.persist(t)
	result := *subtask
	out := copyTicket(t)
	s.mu.Unlock()

	s.broadcast.TicketUpdated(out)
	return &result, nil
}

// SetSubtaskStatus moves a subtask through its lifecycle.
func (s *Service) SetSubtaskStatus(ticketID, subtaskID string, status models.SubtaskStatus) error {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	task, subtask := t.FindSubtask(subtaskID)
	if subtask == nil {
		s.mu.Unlock()
		return fmt.Errorf("subtask %s not found on ticket %s", subtaskID, ticketID)
	}
	subtask.Status = status
	subtask.UpdatedAt = time.Now().UTC()
	task.UpdatedAt = subtask.UpdatedAt
	t.UpdatedAt = subtask.UpdatedAt
	s.persist(t)
	out := copyTicket(t)
	s.mu.Unlock()

	s.broadcast.TicketUpdated(out)
	return nil
}

// AddLlmCost accumulates spend on the ticket.
func (s *Service) AddLlmCost(ticketID string, cost float64) error {
	if cost <= 0 {
		return nil
	}
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	t.LlmCost += cost
	t.UpdatedAt = time.Now().UTC()
	s.persist(t)
	out := copyTicket(t)
	s.mu.Unlock()

	s.broadcast.TicketUpdated(out)
	return nil
}

// UpdateLlmNotes forwards planner notes to the configured sink.
func (s *Service) UpdateLlmNotes(llmID, strengths, weaknesses string) error {
	if s.NotesSink == nil {
		return fmt.Errorf("llm notes are not editable on this board")
	}
	return s.NotesSink(llmID, strengths, weaknesses)
}

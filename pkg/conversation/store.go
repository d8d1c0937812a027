package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

// Store persists conversations as one JSON file per ticket, keyed by
// conversation id. Nothing is cached in memory; every operation reads the
// file, mutates, and writes it back under the ticket's lock, so edits made by
// hand are picked up on the next call. Callers from different tickets never
// contend.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) ticketLock(ticketID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[ticketID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[ticketID] = lock
	}
	return lock
}

func (s *Store) filePath(ticketID string) string {
	return filepath.Join(s.dir, "convos-"+ticketID+".json")
}

func (s *Store) load(ticketID string) (map[string]*models.ConversationData, error) {
	raw, err := os.ReadFile(s.filePath(ticketID))
	if os.IsNotExist(err) {
		return map[string]*models.ConversationData{}, nil
	}
	if err != nil {
		return nil, err
	}
	convos := map[string]*models.ConversationData{}
	if err := json.Unmarshal(raw, &convos); err != nil {
		// A corrupt file must not wedge the ticket; start empty and let the
		// next save overwrite it.
		logger.WarnCF("store", "Corrupt conversation file; starting empty",
			map[string]any{"ticket_id": ticketID, "error": err.Error()})
		return map[string]*models.ConversationData{}, nil
	}
	return convos, nil
}

func (s *Store) save(ticketID string, convos map[string]*models.ConversationData) error {
	if len(convos) == 0 {
		err := os.Remove(s.filePath(ticketID))
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(convos, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.filePath(ticketID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath(ticketID))
}

// sorted returns the conversations of a ticket ordered by start time.
func sorted(convos map[string]*models.ConversationData) []*models.ConversationData {
	out := make([]*models.ConversationData, 0, len(convos))
	for _, c := range convos {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Get returns one conversation by id, or nil when absent.
func (s *Store) Get(ticketID, conversationID string) (*models.ConversationData, error) {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	convos, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}
	return convos[conversationID], nil
}

// GetActivePlanning returns the unfinished planner conversation of a ticket,
// if one exists. A worker resuming a ticket picks up from here.
func (s *Store) GetActivePlanning(ticketID string) (*models.ConversationData, error) {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	convos, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}
	for _, c := range sorted(convos) {
		if c.DisplayName == "Planning" && !c.Finished {
			return c, nil
		}
	}
	return nil, nil
}

// GetNonFinalized returns every unfinished conversation of a ticket.
func (s *Store) GetNonFinalized(ticketID string) ([]*models.ConversationData, error) {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	convos, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}
	var out []*models.ConversationData
	for _, c := range sorted(convos) {
		if !c.Finished {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetInfoList returns lightweight metadata for every conversation of a
// ticket, oldest first.
func (s *Store) GetInfoList(ticketID string) ([]models.ConversationInfo, error) {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	convos, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}
	infos := make([]models.ConversationInfo, 0, len(convos))
	for _, c := range sorted(convos) {
		infos = append(infos, models.ConversationInfo{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			Role:        c.Role,
			Finished:    c.Finished,
			StartedAt:   c.StartedAt,
			Messages:    len(c.Messages),
		})
	}
	return infos, nil
}

// Upsert writes a conversation snapshot, replacing any previous version.
func (s *Store) Upsert(data *models.ConversationData) error {
	lock := s.ticketLock(data.TicketID)
	lock.Lock()
	defer lock.Unlock()

	convos, err := s.load(data.TicketID)
	if err != nil {
		return err
	}
	convos[data.ID] = data
	return s.save(data.TicketID, convos)
}

// Finish marks a stored conversation finished without loading it into a live
// Conversation. Used when reclaiming tickets whose worker died.
func (s *Store) Finish(ticketID, conversationID string) error {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	convos, err := s.load(ticketID)
	if err != nil {
		return err
	}
	c, ok := convos[conversationID]
	if !ok {
		return nil
	}
	c.Finished = true
	return s.save(ticketID, convos)
}

// Delete removes one conversation.
func (s *Store) Delete(ticketID, conversationID string) error {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	convos, err := s.load(ticketID)
	if err != nil {
		return err
	}
	delete(convos, conversationID)
	return s.save(ticketID, convos)
}

// DeleteFinished prunes finished conversations of a ticket, keeping the ones
// still running.
func (s *Store) DeleteFinished(ticketID string) error {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()

	convos, err := s.load(ticketID)
	if err != nil {
		return err
	}
	for id, c := range convos {
		if c.Finished {
			delete(convos, id)
		}
	}
	return s.save(ticketID, convos)
}

// DeleteForTicket removes the whole conversation file of a ticket.
func (s *Store) DeleteForTicket(ticketID string) error {
	lock := s.ticketLock(ticketID)
	lock.Lock()
	defer lock.Unlock()
	err := os.Remove(s.filePath(ticketID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

package board

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

const (
	watchdogTick    = 60 * time.Second
	staleAfter      = 5 * time.Minute
	defaultSchedule = "* * * * *"
)

// Heartbeats tracks the last sign of life per ticket. The hub records one on
// every worker heartbeat message.
type Heartbeats struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewHeartbeats() *Heartbeats {
	return &Heartbeats{last: make(map[string]time.Time)}
}

func (h *Heartbeats) Record(ticketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[ticketID] = time.Now()
}

func (h *Heartbeats) Last(ticketID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.last[ticketID]
	return t, ok
}

func (h *Heartbeats) Clear(ticketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, ticketID)
}

// Watchdog reclaims Active tickets whose worker went silent. It wakes every
// minute and sweeps when the cron schedule is due; tickets that have never
// sent a heartbeat are left alone, since a freshly launched worker may not
// have reported yet.
type Watchdog struct {
	board      *Service
	heartbeats *Heartbeats
	schedule   string
	gron       *gronx.Gronx
}

func NewWatchdog(board *Service, heartbeats *Heartbeats, schedule string) *Watchdog {
	if schedule == "" {
		schedule = defaultSchedule
	}
	return &Watchdog{
		board:      board,
		heartbeats: heartbeats,
		schedule:   schedule,
		gron:       gronx.New(),
	}
}

// Run blocks until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := w.gron.IsDue(w.schedule, time.Now())
			if err != nil {
				logger.ErrorCF("watchdog", "Invalid schedule",
					map[string]any{"schedule": w.schedule, "error": err.Error()})
				return
			}
			if due {
				w.Sweep()
			}
		}
	}
}

// Sweep fails every Active ticket whose last heartbeat is older than five
// minutes, clearing the heartbeat so the transition fires exactly once.
func (w *Watchdog) Sweep() {
	now := time.Now()
	for _, t := range w.board.List() {
		if t.Status != models.TicketActive {
			continue
		}
		last, ok := w.heartbeats.Last(t.ID)
		if !ok {
			continue
		}
		silence := now.Sub(last)
		if silence <= staleAfter {
			continue
		}

		if err := w.board.SetTicketStatus(t.ID, models.TicketFailed); err != nil {
			logger.WarnCF("watchdog", "Failed to fail ticket",
				map[string]any{"ticket_id": t.ID, "error": err.Error()})
			continue
		}
		// Appended after the transition so the log ends with the reclaim.
		entry := fmt.Sprintf("Watchdog: Worker unresponsive for %ds, marking as Failed", int(silence.Seconds()))
		if err := w.board.AppendActivity(t.ID, entry); err != nil {
			logger.WarnCF("watchdog", "Failed to log reclaim",
				map[string]any{"ticket_id": t.ID, "error": err.Error()})
		}
		w.heartbeats.Clear(t.ID)
		logger.InfoCF("watchdog", "Reclaimed unresponsive ticket",
			map[string]any{"ticket_id": t.ID, "silence_seconds": int(silence.Seconds())})
	}
}

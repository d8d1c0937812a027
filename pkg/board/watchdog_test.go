package board

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbeast/kanbeast/pkg/models"
)

func TestHeartbeats(t *testing.T) {
	h := NewHeartbeats()

	_, ok := h.Last("1")
	assert.False(t, ok)

	h.Record("1")
	last, ok := h.Last("1")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), last, time.Second)

	h.Clear("1")
	_, ok = h.Last("1")
	assert.False(t, ok)
}

func TestSweepReclaimsSilentTicket(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("stuck", "", "", "", 0)
	require.NoError(t, svc.SetTicketStatus("1", models.TicketActive))

	h := NewHeartbeats()
	h.mu.Lock()
	h.last["1"] = time.Now().Add(-6 * time.Minute)
	h.mu.Unlock()

	w := NewWatchdog(svc, h, "")
	w.Sweep()

	got, err := svc.GetTicket("1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketFailed, got.Status)

	// The reclaim entry is the last thing in the log, after the status change.
	require.NotEmpty(t, got.Activity)
	last := got.Activity[len(got.Activity)-1]
	assert.Contains(t, last, "Watchdog: Worker unresponsive for")
	assert.Contains(t, last, "marking as Failed")
	assert.Contains(t, strings.Join(got.Activity, "\n"), "Status changed to Failed")

	// The heartbeat was cleared so the sweep fires once.
	_, ok := h.Last("1")
	assert.False(t, ok)
	w.Sweep()
	got, _ = svc.GetTicket("1")
	assert.Equal(t, models.TicketFailed, got.Status)
}

func TestSweepLeavesRecentHeartbeatAlone(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("alive", "", "", "", 0)
	require.NoError(t, svc.SetTicketStatus("1", models.TicketActive))

	h := NewHeartbeats()
	h.Record("1")

	NewWatchdog(svc, h, "").Sweep()

	got, _ := svc.GetTicket("1")
	assert.Equal(t, models.TicketActive, got.Status)
}

func TestSweepIgnoresTicketsWithoutHeartbeat(t *testing.T) {
	// A freshly launched worker may not have reported yet; the sweep must
	// not fail its ticket.
	svc := newTestBoard(t)
	svc.Create("starting", "", "", "", 0)
	require.NoError(t, svc.SetTicketStatus("1", models.TicketActive))

	NewWatchdog(svc, NewHeartbeats(), "").Sweep()

	got, _ := svc.GetTicket("1")
	assert.Equal(t, models.TicketActive, got.Status)
}

func TestSweepIgnoresNonActiveTickets(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("backlog", "", "", "", 0)

	h := NewHeartbeats()
	h.mu.Lock()
	h.last["1"] = time.Now().Add(-time.Hour)
	h.mu.Unlock()

	NewWatchdog(svc, h, "").Sweep()

	got, _ := svc.GetTicket("1")
	assert.Equal(t, models.TicketBacklog, got.Status)
}

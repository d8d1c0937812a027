package llm

import "context"

// HubLink is the driver's view of the realtime hub: heartbeats keep the
// server-side watchdog satisfied, chat messages from the board UI are folded
// into the conversation, and model-change requests interrupt the loop so the
// caller can trampoline onto a new service.
type HubLink interface {
	// Heartbeat tells the board this worker is still alive.
	Heartbeat(ctx context.Context, ticketID string)
	// DrainChatMessages returns queued user messages for a ticket, oldest
	// first, removing them from the queue.
	DrainChatMessages(ticketID string) []string
	// PendingModelChange reports a requested config switch for a
	// conversation, consuming the request.
	PendingModelChange(conversationID string) (configID string, ok bool)
	// RegisterCancel exposes a conversation's cancel function so the board
	// can interrupt it. UnregisterCancel removes it when the driver exits.
	RegisterCancel(conversationID string, cancel context.CancelFunc)
	UnregisterCancel(conversationID string)
}

// NopHub satisfies HubLink for tests and detached runs.
type NopHub struct{}

func (NopHub) Heartbeat(ctx context.Context, ticketID string) {}
func (NopHub) DrainChatMessages(ticketID string) []string { return nil }
func (NopHub) PendingModelChange(conversationID string) (string, bool) { return "", false }
func (NopHub) RegisterCancel(conversationID string, cancel context.CancelFunc) {}
func (NopHub) UnregisterCancel(conversationID string) {}

package hub

import "encoding/json"

// Event types on the realtime channel. Board events fan out to every client;
// worker events flow up to the server; control events are routed to the
// worker owning the ticket.
const (
	// Server → everyone.
	EventTicketCreated = "ticket_created"
	EventTicketUpdated = "ticket_updated"
	EventTicketDeleted = "ticket_deleted"

	// Worker → server.
	EventHeartbeat          = "heartbeat"
	EventConversationSync   = "conversation_sync"
	EventConversationFinish = "conversation_finish"
	EventBusy               = "busy"

	// Server → worker.
	EventChatMessage       = "chat_message"
	EventClearConversation = "clear_conversation"
	EventModelChange       = "model_change"
	EventStopConversation  = "stop_conversation"
)

// Event is the envelope every hub message travels in.
type Event struct {
	Type           string          `json:"type"`
	TicketID       string          `json:"ticketId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Text           string          `json:"text,omitempty"`
	LlmConfigID    string          `json:"llmConfigId,omitempty"`
	Busy           bool            `json:"busy,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

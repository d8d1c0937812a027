package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

const (
	heartbeatMinInterval = 10 * time.Second
	redialBackoff        = 3 * time.Second
)

// Client is the worker side of the realtime channel. It implements
// llm.HubLink: heartbeats, queued chat messages, model-change requests, and
// the conversation cancel registry. The connection redials in the background;
// a down hub degrades to no-op rather than blocking the agent loop.
type Client struct {
	wsURL    string
	ticketID string

	mu            sync.Mutex
	conn          *websocket.Conn
	chatQueue     []string
	modelChanges  map[string]string // conversationID → llmConfigID
	cancels       map[string]context.CancelFunc
	lastHeartbeat time.Time
	closed        bool
}

// NewClient derives the websocket URL from the board's HTTP URL and starts
// the redial loop.
func NewClient(serverURL, ticketID string) *Client {
	wsURL := strings.Replace(strings.TrimRight(serverURL, "/"), "http", "ws", 1) +
		"/ws?role=worker&ticketId=" + ticketID

	c := &Client{
		wsURL:        wsURL,
		ticketID:     ticketID,
		modelChanges: make(map[string]string),
		cancels:      make(map[string]context.CancelFunc),
	}
	go c.dialLoop()
	return c
}

func (c *Client) dialLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
		if err != nil {
			logger.DebugCF("hub", "Dial failed; retrying",
				map[string]any{"url": c.wsURL, "error": err.Error()})
			time.Sleep(redialBackoff)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		logger.InfoCF("hub", "Connected to board", map[string]any{"ticket_id": c.ticketID})
		c.readPump(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(redialBackoff)
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		c.handleEvent(&event)
	}
}

func (c *Client) handleEvent(event *Event) {
	switch event.Type {
	case EventChatMessage:
		c.mu.Lock()
		c.chatQueue = append(c.chatQueue, event.Text)
		c.mu.Unlock()

	case EventModelChange:
		c.mu.Lock()
		c.modelChanges[event.ConversationID] = event.LlmConfigID
		c.mu.Unlock()

	case EventStopConversation, EventClearConversation:
		c.mu.Lock()
		cancel := c.cancels[event.ConversationID]
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (c *Client) sendEvent(event *Event) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger.DebugCF("hub", "Send failed", map[string]any{"error": err.Error()})
	}
}

// Heartbeat is called every driver iteration; sends are throttled so a busy
// loop doesn't flood the channel.
func (c *Client) Heartbeat(ctx context.Context, ticketID string) {
	c.mu.Lock()
	if time.Since(c.lastHeartbeat) < heartbeatMinInterval {
		c.mu.Unlock()
		return
	}
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	c.sendEvent(&Event{Type: EventHeartbeat, TicketID: ticketID})
}

func (c *Client) DrainChatMessages(ticketID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.chatQueue
	c.chatQueue = nil
	return out
}

func (c *Client) PendingModelChange(conversationID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	configID, ok := c.modelChanges[conversationID]
	if ok {
		delete(c.modelChanges, conversationID)
	}
	return configID, ok
}

func (c *Client) RegisterCancel(conversationID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[conversationID] = cancel
}

func (c *Client) UnregisterCancel(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, conversationID)
}

// SyncConversation streams a snapshot to the board for live viewing.
func (c *Client) SyncConversation(data *models.ConversationData) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	c.sendEvent(&Event{
		Type:           EventConversationSync,
		TicketID:       c.ticketID,
		ConversationID: data.ID,
		Payload:        raw,
	})
}

// FinishConversation tells the board a conversation closed.
func (c *Client) FinishConversation(conversationID string) {
	c.sendEvent(&Event{
		Type:           EventConversationFinish,
		TicketID:       c.ticketID,
		ConversationID: conversationID,
	})
}

// SetBusy reports whether the worker is actively driving an agent.
func (c *Client) SetBusy(busy bool) {
	c.sendEvent(&Event{Type: EventBusy, TicketID: c.ticketID, Busy: busy})
}

func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

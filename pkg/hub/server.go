package hub

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kanbeast/kanbeast/pkg/board"
	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

// Server is the board side of the realtime channel. Workers connect with
// ?role=worker&ticketId=N; everything else is treated as a UI client. It
// implements board.Broadcaster so ticket mutations fan out to every
// connection.
type Server struct {
	heartbeats *board.Heartbeats
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	workers map[string]*websocket.Conn // ticketID → worker conn
	writeMu map[*websocket.Conn]*sync.Mutex
}

func NewServer(heartbeats *board.Heartbeats) *Server {
	return &Server{
		heartbeats: heartbeats,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
		workers: make(map[string]*websocket.Conn),
		writeMu: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Handler upgrades and registers a connection.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.ErrorCF("hub", "Upgrade failed", map[string]any{"error": err.Error()})
			return
		}

		ticketID := ""
		if r.URL.Query().Get("role") == "worker" {
			ticketID = r.URL.Query().Get("ticketId")
		}

		s.mu.Lock()
		s.clients[conn] = true
		s.writeMu[conn] = &sync.Mutex{}
		if ticketID != "" {
			if old, ok := s.workers[ticketID]; ok {
				old.Close()
			}
			s.workers[ticketID] = conn
		}
		s.mu.Unlock()

		logger.InfoCF("hub", "Client connected",
			map[string]any{"remote_addr": r.RemoteAddr, "worker_ticket": ticketID})

		go s.readPump(conn, ticketID)
	}
}

func (s *Server) readPump(conn *websocket.Conn, ticketID string) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		delete(s.writeMu, conn)
		if ticketID != "" && s.workers[ticketID] == conn {
			delete(s.workers, ticketID)
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			logger.WarnCF("hub", "Undecodable event", map[string]any{"error": err.Error()})
			continue
		}
		s.handleEvent(conn, &event)
	}
}

func (s *Server) handleEvent(from *websocket.Conn, event *Event) {
	switch event.Type {
	case EventHeartbeat:
		if event.TicketID != "" {
			s.heartbeats.Record(event.TicketID)
		}

	case EventConversationSync, EventConversationFinish, EventBusy:
		// Worker progress is relayed to UI clients; persistence stays with
		// the worker, which shares the env mount.
		s.relayToClients(from, event)

	case EventChatMessage, EventClearConversation, EventModelChange, EventStopConversation:
		// Control events from the UI are routed to the ticket's worker.
		s.sendToWorker(event.TicketID, event)

	default:
		logger.WarnCF("hub", "Unknown event type", map[string]any{"type": event.Type})
	}
}

func (s *Server) send(conn *websocket.Conn, event *Event) {
	s.mu.RLock()
	lock := s.writeMu[conn]
	s.mu.RUnlock()
	if lock == nil {
		return
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger.DebugCF("hub", "Write failed", map[string]any{"error": err.Error()})
	}
}

func (s *Server) broadcast(event *Event) {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		s.send(conn, event)
	}
}

func (s *Server) relayToClients(from *websocket.Conn, event *Event) {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		if conn != from {
			conns = append(conns, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		s.send(conn, event)
	}
}

func (s *Server) sendToWorker(ticketID string, event *Event) {
	s.mu.RLock()
	conn := s.workers[ticketID]
	s.mu.RUnlock()
	if conn == nil {
		logger.WarnCF("hub", "No worker connected for ticket", map[string]any{"ticket_id": ticketID})
		return
	}
	s.send(conn, event)
}

func ticketPayload(t *models.Ticket) json.RawMessage {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	return raw
}

func (s *Server) TicketCreated(t *models.Ticket) {
	s.broadcast(&Event{Type: EventTicketCreated, TicketID: t.ID, Payload: ticketPayload(t)})
}

func (s *Server) TicketUpdated(t *models.Ticket) {
	s.broadcast(&Event{Type: EventTicketUpdated, TicketID: t.ID, Payload: ticketPayload(t)})
}

func (s *Server) TicketDeleted(ticketID string) {
	s.broadcast(&Event{Type: EventTicketDeleted, TicketID: ticketID})
}

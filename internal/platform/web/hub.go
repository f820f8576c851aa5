package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

// subscriber is one WebSocket connection following a work id.
type subscriber struct {
	conn *websocket.Conn
	send chan domain.StatusEvent
}

// Hub fans status events out to the WebSocket clients following each work id.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *Hub) add(workID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[workID] == nil {
		h.subs[workID] = make(map[*subscriber]struct{})
	}
	h.subs[workID][s] = struct{}{}
}

func (h *Hub) remove(workID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[workID], s)
	if len(h.subs[workID]) == 0 {
		delete(h.subs, workID)
	}
}

// Subscribers returns the number of clients following workID.
func (h *Hub) Subscribers(workID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[workID])
}

// Broadcast queues event for every client following its work id.
// Slow clients miss events rather than block the hub.
func (h *Hub) Broadcast(event domain.StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[event.WorkID] {
		select {
		case s.send <- event:
		default:
			slog.Warn("Dropping status event for slow client", "workID", event.WorkID, "status", event.Status)
		}
	}
}

// Run forwards events from the status subscription until ctx is done.
func (h *Hub) Run(ctx context.Context, source domain.StatusSubscriber) error {
	events, err := source.SubscribeStatus(ctx)
	if err != nil {
		return err
	}
	slog.Info("Status broadcaster started")

	for event := range events {
		h.Broadcast(event)
	}
	return nil
}

// serve pumps events to the connection until the client goes away.
func (h *Hub) serve(workID string, conn *websocket.Conn) {
	s := &subscriber{conn: conn, send: make(chan domain.StatusEvent, sendBuffer)}
	h.add(workID, s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Clients only listen; reading detects the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.remove(workID, s)
		conn.Close()
		slog.Info("Client disconnected", "workID", workID)
	}()

	for {
		select {
		case <-done:
			return
		case event := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				slog.Warn("Failed to write to websocket", "workID", workID, "error", err)
				return
			}
		}
	}
}

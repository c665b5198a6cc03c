package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"embedbase/internal/apperrors"
	"embedbase/internal/services"

	"github.com/gorilla/websocket"
)

/*
LEARNING: EVENT HUB

The hub fans ingestion and search events out to websocket subscribers. One
goroutine owns the room map and serializes register, unregister and broadcast:

  Upserter ──BatchCommitted──► Publish ──► broadcast chan ──► run loop ──► room ──► sub.send
                                                                              └──► sub.send

Publishing never blocks the caller. When the broadcast buffer is full the
event is dropped, and a subscriber whose own buffer is full is disconnected.
Rooms are keyed by owner and dataset so an owner only hears about their data.
*/

const (
	EventBatchCommitted  = "batch_committed"
	EventBatchFailed     = "batch_failed"
	EventSearchCompleted = "search_completed"

	sendBuffer      = 64
	broadcastBuffer = 256
)

// Event is the JSON message sent to subscribers.
type Event struct {
	Type       string            `json:"type"`
	DatasetID  string            `json:"dataset_id"`
	Batch      *int              `json:"batch,omitempty"`
	Documents  int               `json:"documents,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Results    *int              `json:"results,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Error      *apperrors.Detail `json:"error,omitempty"`
	Time       time.Time         `json:"time"`
}

type message struct {
	room    string
	payload []byte
}

// Hub is an Observer that forwards events to websocket subscribers.
type Hub struct {
	rooms map[string]map[*Subscriber]struct{}
	mu    sync.RWMutex

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan message
	done       chan struct{}
	stopOnce   sync.Once
}

var _ services.Observer = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Subscriber]struct{}),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		broadcast:  make(chan message, broadcastBuffer),
		done:       make(chan struct{}),
	}
}

func roomKey(ownerID, datasetID string) string {
	return ownerID + "/" + datasetID
}

// Start begins the hub event loop
func (h *Hub) Start() {
	log.Println("🔄 Starting event hub...")
	go h.run()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case sub := <-h.register:
			h.add(sub)
		case sub := <-h.unregister:
			h.remove(sub)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) add(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		close(sub.send)
		sub.conn.Close()
		return
	default:
	}

	room := h.rooms[sub.room]
	if room == nil {
		room = make(map[*Subscriber]struct{})
		h.rooms[sub.room] = room
	}
	room[sub] = struct{}{}
	log.Printf("  Subscriber %s joined %s (total: %d)", sub.ID, sub.room, len(room))
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	room, ok := h.rooms[sub.room]
	if !ok {
		return
	}
	if _, ok := room[sub]; !ok {
		return
	}
	delete(room, sub)
	close(sub.send)
	if len(room) == 0 {
		delete(h.rooms, sub.room)
	}
	log.Printf("  Subscriber %s left %s (remaining: %d)", sub.ID, sub.room, len(room))
}

func (h *Hub) deliver(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.rooms[msg.room] {
		select {
		case sub.send <- msg.payload:
		default:
			log.Printf("⚠️  Subscriber %s buffer full, closing connection", sub.ID)
			h.removeLocked(sub)
		}
	}
}

// Subscribers returns how many subscribers listen to a dataset.
func (h *Hub) Subscribers(ownerID, datasetID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey(ownerID, datasetID)])
}

// Publish queues ev for the owner's dataset room without blocking.
func (h *Hub) Publish(ownerID string, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("⚠️  Failed to encode %s event: %v", ev.Type, err)
		return
	}

	select {
	case h.broadcast <- message{room: roomKey(ownerID, ev.DatasetID), payload: payload}:
	case <-h.done:
	default:
		log.Printf("⚠️  Event hub buffer full, dropping %s event for %s", ev.Type, ev.DatasetID)
	}
}

func (h *Hub) BatchCommitted(_ context.Context, ev services.BatchEvent) {
	index := ev.Index
	h.Publish(ev.OwnerID, Event{
		Type:       EventBatchCommitted,
		DatasetID:  ev.DatasetID,
		Batch:      &index,
		Documents:  ev.Size,
		Attempts:   ev.Attempts,
		DurationMS: ev.Duration.Milliseconds(),
	})
}

func (h *Hub) BatchFailed(_ context.Context, ev services.BatchEvent, err error) {
	index := ev.Index
	detail := apperrors.NewDetail(err)
	h.Publish(ev.OwnerID, Event{
		Type:       EventBatchFailed,
		DatasetID:  ev.DatasetID,
		Batch:      &index,
		Attempts:   ev.Attempts,
		DurationMS: ev.Duration.Milliseconds(),
		Error:      &detail,
	})
}

// SearchCompleted is only published for authenticated searches; anonymous
// readers have no room.
func (h *Hub) SearchCompleted(_ context.Context, ev services.SearchEvent) {
	if ev.OwnerID == "" {
		return
	}
	results := ev.Results
	for _, id := range ev.DatasetIDs {
		h.Publish(ev.OwnerID, Event{
			Type:       EventSearchCompleted,
			DatasetID:  id,
			Results:    &results,
			DurationMS: ev.Duration.Milliseconds(),
		})
	}
}

// Shutdown stops the loop and closes every connection.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		log.Println("🛑 Shutting down event hub...")
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, room := range h.rooms {
			for sub := range room {
				close(sub.send)
				sub.conn.Close()
			}
		}
		h.rooms = make(map[string]map[*Subscriber]struct{})
		log.Println("✓ Event hub shutdown complete")
	})
}

// Subscriber is one websocket connection listening to a room.
type Subscriber struct {
	ID        string
	OwnerID   string
	DatasetID string

	room string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// join hands the subscriber to the run loop. It returns false when the hub
// is shutting down.
func (h *Hub) join(sub *Subscriber) bool {
	select {
	case h.register <- sub:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// readPump only watches for pongs and for the client going away; messages
// sent by the client are ignored.
func (s *Subscriber) readPump() {
	defer func() {
		s.hub.leave(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

// writePump delivers queued events and keeps the connection alive with pings.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

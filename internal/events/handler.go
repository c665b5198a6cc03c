package events

import (
	"log"
	"net/http"
	"strings"
	"time"

	"embedbase/internal/apperrors"
	"embedbase/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Events are scoped to the authenticated owner, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades GET /ws/events?dataset=ID to a websocket subscribed to the
// caller's dataset. It must run behind RequireAuth.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID := middleware.OwnerID(ctx)
	if ownerID == "" {
		apperrors.WriteHTTP(w, apperrors.Unauthorized("an API key is required"))
		return
	}
	datasetID := strings.TrimSpace(r.URL.Query().Get("dataset"))
	if datasetID == "" {
		apperrors.WriteHTTP(w, apperrors.Validation("dataset query parameter is required"))
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Events.Connect",
		attribute.String("dataset.id", datasetID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	sub := &Subscriber{
		ID:        ksuid.New().String(),
		OwnerID:   ownerID,
		DatasetID: datasetID,
		room:      roomKey(ownerID, datasetID),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		hub:       h,
	}
	if !h.join(sub) {
		conn.Close()
		return
	}

	// Separate goroutines so a slow client never blocks reads.
	go sub.writePump()
	go sub.readPump()

	log.Printf("✓ Event stream opened for %s (subscriber %s)", datasetID, sub.ID)
}

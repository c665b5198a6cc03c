package services

import (
	"context"
	"log"
	"time"

	"embedbase/internal/middleware"
)

// BatchEvent describes one upsert batch.
type BatchEvent struct {
	DatasetID string
	OwnerID   string
	Index     int
	Size      int
	Attempts  int
	Duration  time.Duration
}

// SearchEvent describes one completed search.
type SearchEvent struct {
	DatasetIDs []string
	OwnerID    string
	Results    int
	Duration   time.Duration
}

// Observer is notified of engine events. Implementations must not block:
// they run on the request path.
type Observer interface {
	BatchCommitted(ctx context.Context, ev BatchEvent)
	BatchFailed(ctx context.Context, ev BatchEvent, err error)
	SearchCompleted(ctx context.Context, ev SearchEvent)
}

type nopObserver struct{}

func (nopObserver) BatchCommitted(context.Context, BatchEvent)     {}
func (nopObserver) BatchFailed(context.Context, BatchEvent, error) {}
func (nopObserver) SearchCompleted(context.Context, SearchEvent)   {}

// NopObserver ignores every event.
var NopObserver Observer = nopObserver{}

// Observers fans an event out to several observers in order.
type Observers []Observer

func (o Observers) BatchCommitted(ctx context.Context, ev BatchEvent) {
	for _, obs := range o {
		obs.BatchCommitted(ctx, ev)
	}
}

func (o Observers) BatchFailed(ctx context.Context, ev BatchEvent, err error) {
	for _, obs := range o {
		obs.BatchFailed(ctx, ev, err)
	}
}

func (o Observers) SearchCompleted(ctx context.Context, ev SearchEvent) {
	for _, obs := range o {
		obs.SearchCompleted(ctx, ev)
	}
}

// LogObserver writes events to the standard logger, tagged with the request id.
type LogObserver struct{}

func (LogObserver) BatchCommitted(ctx context.Context, ev BatchEvent) {
	log.Printf("[%s] batch %d committed to %s (%d documents, %d attempts, %dms)",
		middleware.GetRequestID(ctx), ev.Index, ev.DatasetID, ev.Size, ev.Attempts, ev.Duration.Milliseconds())
}

func (LogObserver) BatchFailed(ctx context.Context, ev BatchEvent, err error) {
	log.Printf("[%s] ⚠️  batch %d for %s failed after %d attempts: %v",
		middleware.GetRequestID(ctx), ev.Index, ev.DatasetID, ev.Attempts, err)
}

func (LogObserver) SearchCompleted(ctx context.Context, ev SearchEvent) {
	log.Printf("[%s] search over %v returned %d results (%dms)",
		middleware.GetRequestID(ctx), ev.DatasetIDs, ev.Results, ev.Duration.Milliseconds())
}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver
	}
	return o
}

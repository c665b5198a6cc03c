package api

import (
	"context"
	"net/http"

	"embedbase/internal/models"
	"embedbase/internal/services"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.
Each one declares only the methods a handler calls, which is also what lets the
handler tests swap in the in-memory store without touching the services.
*/

// Ingester is what the document upload handlers need.
type Ingester interface {
	Ingest(ctx context.Context, req services.IngestRequest) (*services.UpsertResult, error)
	EnsureDataset(ctx context.Context, datasetID, ownerID string) (*services.UpsertResult, error)
	Submit(ctx context.Context, req services.IngestRequest) (string, error)
	JobStatus(id, ownerID string) (*services.JobStatus, bool)
}

// Searcher is what the search handler needs.
type Searcher interface {
	Search(ctx context.Context, req services.SearchRequest) (*models.SearchResponse, error)
}

// DatasetManager is what the dataset handlers need.
type DatasetManager interface {
	SetVisibility(ctx context.Context, datasetID, ownerID string, public bool) (*models.Dataset, error)
	ListDocuments(ctx context.Context, datasetID, ownerID string, limit, offset int) (*services.DocumentPage, error)
}

// EventStream upgrades a request to a live event feed.
type EventStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

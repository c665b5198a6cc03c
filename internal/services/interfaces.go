package services

import (
	"context"

	"embedbase/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The services package is the consumer of the embedding provider and of the
document store, so the interfaces live here and declare only what each
service calls. The GORM repository and the in-memory store both satisfy
them without knowing they exist.
*/

// Embedder turns text into vectors. EmbedBatch must preserve order and length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentWriter is what the upserter needs from the store.
type DocumentWriter interface {
	// EnsureDataset creates the dataset for the owner if missing and returns it.
	EnsureDataset(ctx context.Context, datasetID, ownerID string) (*models.Dataset, error)
	// UpsertDocuments writes docs in one bulk operation keyed on
	// (user_id, dataset_id, hash). Existing rows are left as they are.
	UpsertDocuments(ctx context.Context, docs []*models.Document) error
}

// DocumentMatcher is what search needs from the store. Implementations return
// rows with score >= Threshold, at most MatchCount of them, scoped to the
// query's datasets and owner.
type DocumentMatcher interface {
	MatchDocuments(ctx context.Context, q models.MatchQuery) ([]*models.SearchResult, error)
}

// DatasetRepository is what dataset management needs from the store.
type DatasetRepository interface {
	EnsureDataset(ctx context.Context, datasetID, ownerID string) (*models.Dataset, error)
	GetDataset(ctx context.Context, datasetID, ownerID string) (*models.Dataset, error)
	SetDatasetVisibility(ctx context.Context, datasetID, ownerID string, public bool) (*models.Dataset, error)
	ListDocuments(ctx context.Context, datasetID, ownerID string, limit, offset int) ([]*models.Document, error)
	CountDocuments(ctx context.Context, datasetID, ownerID string) (int64, error)
}

package services

import (
	"context"
	"fmt"

	"embedbase/internal/apperrors"
	"embedbase/internal/middleware"
	"embedbase/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// DocumentPage is one page of a dataset's documents.
type DocumentPage struct {
	DatasetID string             `json:"dataset_id"`
	Documents []*models.Document `json:"documents"`
	Total     int64              `json:"total"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

// DatasetService manages datasets that already hold, or will hold, documents.
type DatasetService struct {
	repo DatasetRepository
}

func NewDatasetService(repo DatasetRepository) *DatasetService {
	return &DatasetService{repo: repo}
}

// Get returns the owner's dataset or a not_found error.
func (s *DatasetService) Get(ctx context.Context, datasetID, ownerID string) (*models.Dataset, error) {
	if err := requireOwner(datasetID, ownerID); err != nil {
		return nil, err
	}
	return s.repo.GetDataset(ctx, datasetID, ownerID)
}

// SetVisibility flips the public flag of a dataset and of every document in it.
func (s *DatasetService) SetVisibility(ctx context.Context, datasetID, ownerID string, public bool) (*models.Dataset, error) {
	if err := requireOwner(datasetID, ownerID); err != nil {
		return nil, err
	}

	ctx, span := middleware.StartSpan(ctx, "Dataset.SetVisibility",
		attribute.String("dataset.id", datasetID),
		attribute.Bool("dataset.public", public),
	)
	defer span.End()

	ds, err := s.repo.SetDatasetVisibility(ctx, datasetID, ownerID, public)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to set visibility of %s: %w", datasetID, err)
	}
	return ds, nil
}

// ListDocuments pages through a dataset, newest first.
func (s *DatasetService) ListDocuments(ctx context.Context, datasetID, ownerID string, limit, offset int) (*DocumentPage, error) {
	if err := requireOwner(datasetID, ownerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		return nil, apperrors.Validation("offset must not be negative")
	}

	if _, err := s.repo.GetDataset(ctx, datasetID, ownerID); err != nil {
		return nil, err
	}

	total, err := s.repo.CountDocuments(ctx, datasetID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	docs, err := s.repo.ListDocuments(ctx, datasetID, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return &DocumentPage{
		DatasetID: datasetID,
		Documents: docs,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	}, nil
}

func requireOwner(datasetID, ownerID string) error {
	if ownerID == "" {
		return apperrors.Unauthorized("an owner is required")
	}
	if datasetID == "" {
		return apperrors.Validation("dataset id is required")
	}
	return nil
}

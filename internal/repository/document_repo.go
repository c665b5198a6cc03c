package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"embedbase/internal/apperrors"
	"embedbase/internal/middleware"
	"embedbase/internal/models"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentStoreImpl handles all database operations for datasets and documents using GORM
// Learning: This is the IMPLEMENTATION. It doesn't know about any interface.
// The services package will declare the interface it needs.
type DocumentStoreImpl struct {
	db *gorm.DB
}

// NewDocumentStore creates a new document store
// Returns concrete type - "Accept interfaces, return structs"
func NewDocumentStore(db *gorm.DB) *DocumentStoreImpl {
	return &DocumentStoreImpl{db: db}
}

// EnsureDataset inserts the dataset if it is missing and returns the stored row.
func (r *DocumentStoreImpl) EnsureDataset(ctx context.Context, datasetID, ownerID string) (*models.Dataset, error) {
	ds := &models.Dataset{ID: datasetID, UserID: ownerID}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ds).Error
	if err != nil {
		return nil, dbError("failed to create dataset", err)
	}

	// The insert may have been a no-op, so read back the real row (public flag).
	return r.GetDataset(ctx, datasetID, ownerID)
}

// GetDataset retrieves a dataset by its id and owner
func (r *DocumentStoreImpl) GetDataset(ctx context.Context, datasetID, ownerID string) (*models.Dataset, error) {
	var ds models.Dataset

	err := r.db.WithContext(ctx).First(&ds, "id = ? AND user_id = ?", datasetID, ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("dataset %s not found", datasetID)
	}
	if err != nil {
		return nil, dbError("failed to get dataset", err)
	}

	return &ds, nil
}

// UpsertDocuments writes docs in a single INSERT ... ON CONFLICT DO NOTHING.
// Learning: the conflict target is the (user_id, dataset_id, hash) unique
// index, so re-ingesting the same text is a no-op instead of a duplicate.
func (r *DocumentStoreImpl) UpsertDocuments(ctx context.Context, docs []*models.Document) error {
	if len(docs) == 0 {
		return nil
	}

	ctx, span := middleware.StartSpan(ctx, "Store.UpsertDocuments",
		attribute.Int("documents.count", len(docs)),
	)
	defer span.End()

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "dataset_id"}, {Name: "hash"}},
			DoNothing: true,
		}).
		Create(&docs).Error
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return dbError("failed to upsert documents", err)
	}

	return nil
}

// matchRow is the raw shape of a similarity query row.
type matchRow struct {
	ID        string
	DatasetID string
	Data      string
	Embedding pgvector.Vector
	Hash      string
	Metadata  string
	Score     float32
}

// matchProbes is how many of the ivfflat index's lists a search scans. The
// default of 1 misses rows once the dataset, visibility and metadata
// predicates thin out the nearest list.
const matchProbes = 10

// MatchDocuments performs vector similarity search using cosine distance
// Learning: The <=> operator from pgvector calculates cosine distance, so
// 1 - distance is the similarity. ORDER BY the distance lets the ivfflat
// index do the work; id breaks ties deterministically.
func (r *DocumentStoreImpl) MatchDocuments(ctx context.Context, q models.MatchQuery) ([]*models.SearchResult, error) {
	ctx, span := middleware.StartSpan(ctx, "Store.MatchDocuments",
		attribute.StringSlice("dataset.ids", q.DatasetIDs),
		attribute.Int("match.count", q.MatchCount),
	)
	defer span.End()

	query, args, err := buildMatchQuery(q)
	if err != nil {
		return nil, err
	}

	// SET LOCAL only lasts for the transaction, so pooled connections keep
	// the server default.
	var rows []matchRow
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL ivfflat.probes = %d", matchProbes)).Error; err != nil {
			return err
		}
		return tx.Raw(query, args...).Scan(&rows).Error
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, dbError("failed to perform semantic search", err)
	}

	results := make([]*models.SearchResult, 0, len(rows))
	for _, row := range rows {
		var meta map[string]any
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
				return nil, dbError("failed to decode document metadata", err)
			}
		}
		results = append(results, &models.SearchResult{
			ID:        row.ID,
			DatasetID: row.DatasetID,
			Data:      row.Data,
			Embedding: row.Embedding.Slice(),
			Hash:      row.Hash,
			Metadata:  meta,
			Score:     row.Score,
		})
	}
	span.SetAttributes(attribute.Int("match.rows", len(results)))

	return results, nil
}

// buildMatchQuery renders the similarity query. Placeholders are bound in
// order of appearance: the score vector, the dataset ids, the owner (unless
// anonymous), the metadata filter, the threshold vector and value, then the
// ordering vector and the limit.
func buildMatchQuery(q models.MatchQuery) (string, []any, error) {
	vec := pgvector.NewVector(q.Embedding)

	var (
		where = []string{"d.dataset_id = ANY(?)"}
		args  = []any{vec, pq.Array(q.DatasetIDs)}
	)

	switch {
	case q.UserID == "":
		where = append(where, "d.public")
	case q.IncludePublic:
		where = append(where, "(d.user_id = ? OR d.public)")
		args = append(args, q.UserID)
	default:
		where = append(where, "d.user_id = ?")
		args = append(args, q.UserID)
	}

	if q.Filter != nil {
		eq, ok := q.Filter.(models.Equals)
		if !ok {
			return "", nil, apperrors.UnsupportedFilter("filter %T is not supported", q.Filter)
		}
		contains, err := json.Marshal(map[string]any{eq.Field: eq.Value})
		if err != nil {
			return "", nil, apperrors.UnsupportedFilter("filter value for %q cannot be encoded", eq.Field)
		}
		where = append(where, "d.metadata @> ?::jsonb")
		args = append(args, string(contains))
	}

	where = append(where, "1 - (d.embedding <=> ?) >= ?")
	args = append(args, vec, q.Threshold, vec, q.MatchCount)

	query := fmt.Sprintf(`
		SELECT
			d.id,
			d.dataset_id,
			d.data,
			d.embedding,
			d.hash,
			COALESCE(d.metadata, '{}'::jsonb)::text AS metadata,
			1 - (d.embedding <=> ?) AS score
		FROM documents d
		WHERE %s
		ORDER BY d.embedding <=> ?, d.id
		LIMIT ?
	`, strings.Join(where, " AND "))

	return query, args, nil
}

// SetDatasetVisibility updates the dataset and all of its documents in one transaction
func (r *DocumentStoreImpl) SetDatasetVisibility(ctx context.Context, datasetID, ownerID string, public bool) (*models.Dataset, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Dataset{}).
			Where("id = ? AND user_id = ?", datasetID, ownerID).
			Update("public", public)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NotFound("dataset %s not found", datasetID)
		}

		return tx.Model(&models.Document{}).
			Where("dataset_id = ? AND user_id = ?", datasetID, ownerID).
			Update("public", public).Error
	})
	if err != nil {
		return nil, dbError("failed to update visibility", err)
	}

	return r.GetDataset(ctx, datasetID, ownerID)
}

// ListDocuments returns a page of documents, newest first
func (r *DocumentStoreImpl) ListDocuments(ctx context.Context, datasetID, ownerID string, limit, offset int) ([]*models.Document, error) {
	var documents []*models.Document

	err := r.db.WithContext(ctx).
		Omit("embedding").
		Where("dataset_id = ? AND user_id = ?", datasetID, ownerID).
		Order("created_at DESC, id").
		Limit(limit).
		Offset(offset).
		Find(&documents).Error
	if err != nil {
		return nil, dbError("failed to list documents", err)
	}

	return documents, nil
}

// CountDocuments counts the documents of a dataset
func (r *DocumentStoreImpl) CountDocuments(ctx context.Context, datasetID, ownerID string) (int64, error) {
	var n int64

	err := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("dataset_id = ? AND user_id = ?", datasetID, ownerID).
		Count(&n).Error
	if err != nil {
		return 0, dbError("failed to count documents", err)
	}

	return n, nil
}

// dbError keeps typed errors as they are and turns driver errors into
// retryable provider errors. Context errors pass through untouched.
func dbError(msg string, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return apperrors.Provider(msg, err)
}

// Package memory is an in-process document store with brute-force cosine
// scoring. It backs the tests and the server when no database is configured.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"embedbase/internal/apperrors"
	"embedbase/internal/models"

	"github.com/google/uuid"
)

type datasetKey struct {
	owner string
	id    string
}

type docKey struct {
	owner   string
	dataset string
	hash    string
}

// Store keeps datasets and documents in maps guarded by one RWMutex.
type Store struct {
	mu       sync.RWMutex
	datasets map[datasetKey]*models.Dataset
	docs     map[docKey]*models.Document
	// order keeps insertion order so listings are stable.
	order []docKey
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		datasets: make(map[datasetKey]*models.Dataset),
		docs:     make(map[docKey]*models.Document),
		now:      time.Now,
	}
}

func (s *Store) EnsureDataset(_ context.Context, datasetID, ownerID string) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := datasetKey{owner: ownerID, id: datasetID}
	if ds, ok := s.datasets[key]; ok {
		cp := *ds
		return &cp, nil
	}
	now := s.now()
	ds := &models.Dataset{ID: datasetID, UserID: ownerID, CreatedAt: now, UpdatedAt: now}
	s.datasets[key] = ds
	cp := *ds
	return &cp, nil
}

func (s *Store) GetDataset(_ context.Context, datasetID, ownerID string) (*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.datasets[datasetKey{owner: ownerID, id: datasetID}]
	if !ok {
		return nil, apperrors.NotFound("dataset %s not found", datasetID)
	}
	cp := *ds
	return &cp, nil
}

func (s *Store) SetDatasetVisibility(_ context.Context, datasetID, ownerID string, public bool) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.datasets[datasetKey{owner: ownerID, id: datasetID}]
	if !ok {
		return nil, apperrors.NotFound("dataset %s not found", datasetID)
	}
	ds.Public = public
	ds.UpdatedAt = s.now()
	for key, doc := range s.docs {
		if key.owner == ownerID && key.dataset == datasetID {
			doc.Public = public
		}
	}
	cp := *ds
	return &cp, nil
}

// UpsertDocuments inserts docs whose (owner, dataset, hash) is new and leaves
// existing ones untouched.
func (s *Store) UpsertDocuments(ctx context.Context, docs []*models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		key := docKey{owner: doc.UserID, dataset: doc.DatasetID, hash: doc.Hash}
		if _, exists := s.docs[key]; exists {
			continue
		}
		cp := *doc
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = s.now()
		}
		cp.Metadata = cloneMetadata(doc.Metadata)
		s.docs[key] = &cp
		s.order = append(s.order, key)
	}
	return nil
}

// MatchDocuments scores every visible document against q.Embedding.
func (s *Store) MatchDocuments(ctx context.Context, q models.MatchQuery) ([]*models.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(q.DatasetIDs))
	for _, id := range q.DatasetIDs {
		wanted[id] = struct{}{}
	}
	var equals *models.Equals
	if eq, ok := q.Filter.(models.Equals); ok {
		equals = &eq
	}

	var results []*models.SearchResult
	for _, key := range s.order {
		doc := s.docs[key]
		if _, ok := wanted[doc.DatasetID]; !ok {
			continue
		}
		if !visible(doc, q) {
			continue
		}
		if equals != nil && !equals.Matches(doc.Metadata) {
			continue
		}
		score := cosine(q.Embedding, doc.Embedding.Slice())
		if score < q.Threshold {
			continue
		}
		results = append(results, &models.SearchResult{
			ID:        doc.ID,
			DatasetID: doc.DatasetID,
			Data:      doc.Data,
			Embedding: doc.Embedding.Slice(),
			Hash:      doc.Hash,
			Metadata:  cloneMetadata(doc.Metadata),
			Score:     score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if q.MatchCount > 0 && len(results) > q.MatchCount {
		results = results[:q.MatchCount]
	}
	return results, nil
}

func visible(doc *models.Document, q models.MatchQuery) bool {
	if q.UserID != "" && doc.UserID == q.UserID {
		return true
	}
	return (q.IncludePublic || q.UserID == "") && doc.Public
}

// ListDocuments returns newest documents first.
func (s *Store) ListDocuments(_ context.Context, datasetID, ownerID string, limit, offset int) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Document
	for i := len(s.order) - 1; i >= 0; i-- {
		key := s.order[i]
		if key.owner != ownerID || key.dataset != datasetID {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		cp := *s.docs[key]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountDocuments(_ context.Context, datasetID, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for key := range s.docs {
		if key.owner == ownerID && key.dataset == datasetID {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored documents across all datasets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

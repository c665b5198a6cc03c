package memory

import (
	"context"
	"testing"

	"embedbase/internal/apperrors"
	"embedbase/internal/models"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(dataset, owner, text string, vec ...float32) *models.Document {
	return &models.Document{
		DatasetID: dataset,
		UserID:    owner,
		Data:      text,
		Hash:      models.HashContent(text),
		Embedding: pgvector.NewVector(vec),
		Metadata:  map[string]any{"text": text},
	}
}

func TestUpsertIgnoresExistingHash(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertDocuments(ctx, []*models.Document{doc("d", "alice", "one", 1, 0)}))
	require.NoError(t, s.UpsertDocuments(ctx, []*models.Document{doc("d", "alice", "one", 0, 1), doc("d", "alice", "two", 0, 1)}))

	assert.Equal(t, 2, s.Len())
	n, err := s.CountDocuments(ctx, "d", "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	res, err := s.MatchDocuments(ctx, models.MatchQuery{
		Embedding: []float32{1, 0}, DatasetIDs: []string{"d"}, UserID: "alice", MatchCount: 5,
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "one", res[0].Data, "first write wins")
	assert.InDelta(t, 1.0, res[0].Score, 1e-6)
}

func TestMatchDocumentsScoping(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertDocuments(ctx, []*models.Document{
		doc("a", "alice", "alice a", 1, 0),
		doc("b", "alice", "alice b", 1, 0),
		doc("a", "bob", "bob a", 1, 0),
	}))

	q := models.MatchQuery{Embedding: []float32{1, 0}, DatasetIDs: []string{"a"}, UserID: "alice", MatchCount: 10}
	res, err := s.MatchDocuments(ctx, q)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "alice a", res[0].Data)

	q.Threshold = 1.01
	res, err = s.MatchDocuments(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestMatchDocumentsFilterAndLimit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	docs := []*models.Document{
		doc("d", "alice", "x", 1, 0),
		doc("d", "alice", "y", 0.8, 0.2),
		doc("d", "alice", "z", 0.5, 0.5),
	}
	require.NoError(t, s.UpsertDocuments(ctx, docs))

	res, err := s.MatchDocuments(ctx, models.MatchQuery{
		Embedding: []float32{1, 0}, DatasetIDs: []string{"d"}, UserID: "alice", MatchCount: 2,
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, []string{"x", "y"}, []string{res[0].Data, res[1].Data})

	res, err = s.MatchDocuments(ctx, models.MatchQuery{
		Embedding: []float32{1, 0}, DatasetIDs: []string{"d"}, UserID: "alice", MatchCount: 5,
		Filter: models.Equals{Field: "text", Value: "z"},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "z", res[0].Data)
}

func TestVisibility(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.SetDatasetVisibility(ctx, "d", "alice", true)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = s.EnsureDataset(ctx, "d", "alice")
	require.NoError(t, err)
	require.NoError(t, s.UpsertDocuments(ctx, []*models.Document{doc("d", "alice", "x", 1, 0)}))

	ds, err := s.SetDatasetVisibility(ctx, "d", "alice", true)
	require.NoError(t, err)
	assert.True(t, ds.Public)

	res, err := s.MatchDocuments(ctx, models.MatchQuery{Embedding: []float32{1, 0}, DatasetIDs: []string{"d"}, MatchCount: 5})
	require.NoError(t, err)
	assert.Len(t, res, 1, "anonymous reads see public documents")

	again, err := s.EnsureDataset(ctx, "d", "alice")
	require.NoError(t, err)
	assert.True(t, again.Public, "ensure keeps the existing row")
}

func TestListDocumentsNewestFirst(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for _, text := range []string{"1", "2", "3"} {
		require.NoError(t, s.UpsertDocuments(ctx, []*models.Document{doc("d", "alice", text, 1)}))
	}

	got, err := s.ListDocuments(ctx, "d", "alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Data)
	assert.Equal(t, "2", got[1].Data)

	got, err = s.ListDocuments(ctx, "d", "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].Data)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{2, 0}, []float32{5, 0}), 1e-6)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
}

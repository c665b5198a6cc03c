package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"embedbase/internal/apperrors"
	"embedbase/internal/chunker"
	"embedbase/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// numbered returns "w0 w1 ... w(n-1)" so no two chunks share text.
func numbered(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "w%d ", i)
	}
	return b.String()
}

func newIngestService(store *memory.Store, emb Embedder) *IngestService {
	u := NewBatchUpserter(emb, store, UpserterConfig{BatchSize: 2, Concurrency: 2, Retry: fastRetry()})
	ch := chunker.New(chunker.WithMaxTokens(5), chunker.WithOverlap(1))
	return NewIngestService(ch, u, UpsertOptions{}, 2, 4)
}

func TestIngestChunksAndWrites(t *testing.T) {
	store := memory.NewStore()
	svc := newIngestService(store, newKeywordEmbedder("w"))

	res, err := svc.Ingest(context.Background(), IngestRequest{
		DatasetID: "docs", OwnerID: "alice", Text: numbered(21),
		Metadata: map[string]any{"source": "upload.txt"},
	})
	require.NoError(t, err)
	assert.Positive(t, res.Written)
	assert.Equal(t, res.Written, store.Len())

	docs, err := store.ListDocuments(context.Background(), "docs", "alice", 100, 0)
	require.NoError(t, err)
	for _, d := range docs {
		assert.LessOrEqual(t, chunker.CountTokens(d.Data), 5)
		assert.Equal(t, "upload.txt", d.Metadata["source"])
	}
}

func TestIngestRejectsEmptyText(t *testing.T) {
	svc := newIngestService(memory.NewStore(), newKeywordEmbedder())

	_, err := svc.Ingest(context.Background(), IngestRequest{DatasetID: "docs", OwnerID: "alice", Text: " \n\t\x00"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = svc.Ingest(context.Background(), IngestRequest{DatasetID: "docs", Text: "hello"})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestIngestEnsureDataset(t *testing.T) {
	store := memory.NewStore()
	svc := newIngestService(store, newKeywordEmbedder())

	res, err := svc.EnsureDataset(context.Background(), "empty", "alice")
	require.NoError(t, err)
	assert.Equal(t, "empty", res.DatasetID)
	assert.Zero(t, res.Written)

	_, err = store.GetDataset(context.Background(), "empty", "alice")
	assert.NoError(t, err)
}

func TestIngestQueuedJob(t *testing.T) {
	store := memory.NewStore()
	svc := newIngestService(store, newKeywordEmbedder("w"))
	svc.Start()
	defer svc.Shutdown(context.Background())

	id, err := svc.Submit(context.Background(), IngestRequest{
		DatasetID: "docs", OwnerID: "alice", Text: numbered(12),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		st, ok := svc.JobStatus(id, "alice")
		return ok && st.State == JobSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	st, _ := svc.JobStatus(id, "alice")
	require.NotNil(t, st.Result)
	assert.Equal(t, st.Result.Written, store.Len())

	_, ok := svc.JobStatus(id, "bob")
	assert.False(t, ok, "jobs are only visible to their owner")
}

func TestIngestQueuedJobFailure(t *testing.T) {
	emb := newKeywordEmbedder()
	emb.failFn = func([]string, int) error {
		return apperrors.ProviderPermanent("rejected", nil)
	}
	svc := newIngestService(memory.NewStore(), emb)
	svc.Start()
	defer svc.Shutdown(context.Background())

	id, err := svc.Submit(context.Background(), IngestRequest{DatasetID: "docs", OwnerID: "alice", Text: "some words here"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := svc.JobStatus(id, "alice")
		return ok && st.State == JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	st, _ := svc.JobStatus(id, "alice")
	require.NotNil(t, st.Error)
	assert.Equal(t, apperrors.CodeProviderError, st.Error.Code)
}

func TestIngestSubmitAfterShutdown(t *testing.T) {
	svc := newIngestService(memory.NewStore(), newKeywordEmbedder())
	svc.Start()
	svc.Shutdown(context.Background())
	// a second shutdown is harmless
	svc.Shutdown(context.Background())

	_, err := svc.Submit(context.Background(), IngestRequest{DatasetID: "docs", OwnerID: "alice", Text: "hello"})
	assert.Error(t, err)
}

func TestIngestSubmitHonorsContext(t *testing.T) {
	// no workers started and a queue of 4: the fifth submit has to wait
	svc := newIngestService(memory.NewStore(), newKeywordEmbedder())
	req := IngestRequest{DatasetID: "docs", OwnerID: "alice", Text: "hello"}
	for i := 0; i < 4; i++ {
		_, err := svc.Submit(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, svc.QueueLength())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Submit(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"sort"
	"sync"
	"time"

	"embedbase/internal/apperrors"
	"embedbase/internal/chunker"
	"embedbase/internal/middleware"
	"embedbase/internal/models"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: BOUNDED BATCH WORKER POOL

Upsert pulls chunks lazily, groups them into batches and hands each batch to
a fixed pool of `concurrency` workers over an unbuffered channel:

  chunks ──► Batches(size) ──► jobs chan ──► worker 1: embed ─► write
                                         ├─► worker 2: embed ─► write
                                         └─► worker N: ...

- The producer blocks while every worker is busy (backpressure), so at most
  `concurrency` batches are in flight and the chunk sequence is never fully
  buffered.
- Inside a batch embed-then-write is sequential and the write keeps chunk order.
- Batches finish in any order. A failed batch never rolls back the others;
  failures are collected per batch index and reported together.
*/

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 5

	MetadataChunkIndex   = "chunk_index"
	MetadataSourceOffset = "source_offset"
)

// UpsertOptions tunes one upsert call. Zero values fall back to the
// upserter's defaults.
type UpsertOptions struct {
	BatchSize   int
	Concurrency int
	// Metadata is copied onto every document written.
	Metadata map[string]any
}

// UpsertResult summarizes an upsert. FailedBatches holds zero-based batch
// indices in ascending order.
type UpsertResult struct {
	DatasetID     string `json:"dataset_id"`
	Written       int    `json:"documents_written"`
	Batches       int    `json:"batches"`
	FailedBatches []int  `json:"failed_batches,omitempty"`
}

// UpserterConfig holds the collaborators and defaults of a BatchUpserter.
type UpserterConfig struct {
	BatchSize   int
	Concurrency int
	Retry       RetryPolicy
	Observer    Observer
}

// BatchUpserter embeds chunks and writes them to the document store.
type BatchUpserter struct {
	embedder Embedder
	store    DocumentWriter
	cfg      UpserterConfig
}

// NewBatchUpserter creates an upserter.
// Returns concrete type - "Accept interfaces, return structs"
func NewBatchUpserter(embedder Embedder, store DocumentWriter, cfg UpserterConfig) *BatchUpserter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	cfg.Observer = observerOrNop(cfg.Observer)
	return &BatchUpserter{embedder: embedder, store: store, cfg: cfg}
}

type batchJob struct {
	index  int
	chunks []models.Chunk
}

// Upsert ensures the dataset exists, then embeds and writes chunks. A nil or
// empty sequence only establishes the dataset.
//
// When some batches fail the result is still returned, together with an
// *apperrors.PartialFailureError. When every batch fails the error of the
// first failed batch is returned instead.
func (u *BatchUpserter) Upsert(ctx context.Context, datasetID, ownerID string, chunks iter.Seq[models.Chunk], opts UpsertOptions) (*UpsertResult, error) {
	if datasetID == "" {
		return nil, apperrors.Validation("dataset id is required")
	}
	if ownerID == "" {
		return nil, apperrors.Unauthorized("an owner is required to write documents")
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = u.cfg.BatchSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = u.cfg.Concurrency
	}

	ctx, span := middleware.StartSpan(ctx, "Upserter.Upsert",
		attribute.String("dataset.id", datasetID),
		attribute.Int("upsert.batch_size", batchSize),
		attribute.Int("upsert.concurrency", concurrency),
	)
	defer span.End()

	var dataset *models.Dataset
	_, err := u.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		ds, err := u.store.EnsureDataset(ctx, datasetID, ownerID)
		dataset = ds
		return err
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to ensure dataset %s: %w", datasetID, err)
	}

	result := &UpsertResult{DatasetID: datasetID}
	if chunks == nil {
		return result, nil
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		causes = make(map[int]error)
		jobs   = make(chan batchJob)
	)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				n, err := u.processBatch(ctx, dataset, job, opts.Metadata)

				mu.Lock()
				if err != nil {
					causes[job.index] = err
				} else {
					result.Written += n
				}
				mu.Unlock()
			}
		}()
	}

produce:
	for batch := range chunker.Batches(chunks, batchSize) {
		select {
		case jobs <- batchJob{index: result.Batches, chunks: batch}:
			result.Batches++
		case <-ctx.Done():
			break produce
		}
	}
	close(jobs)
	wg.Wait()

	for index := range causes {
		result.FailedBatches = append(result.FailedBatches, index)
	}
	sort.Ints(result.FailedBatches)

	span.SetAttributes(
		attribute.Int("upsert.batches", result.Batches),
		attribute.Int("upsert.written", result.Written),
		attribute.Int("upsert.failed_batches", len(result.FailedBatches)),
	)

	if err := ctx.Err(); err != nil {
		middleware.AddSpanError(ctx, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return result, apperrors.Timeout("upsert did not finish in time", err)
		}
		return result, err
	}

	if len(result.FailedBatches) == 0 {
		return result, nil
	}

	if len(result.FailedBatches) == result.Batches {
		err := causes[result.FailedBatches[0]]
		middleware.AddSpanError(ctx, err)
		return result, fmt.Errorf("batch %d: %w", result.FailedBatches[0], err)
	}

	pf := &apperrors.PartialFailureError{
		Written:       result.Written,
		TotalBatches:  result.Batches,
		FailedBatches: result.FailedBatches,
		Causes:        causes,
	}
	middleware.AddSpanError(ctx, pf)
	return result, pf
}

// processBatch embeds one batch with a single provider call and writes it
// with a single bulk upsert.
func (u *BatchUpserter) processBatch(ctx context.Context, dataset *models.Dataset, job batchJob, metadata map[string]any) (int, error) {
	ctx, span := middleware.StartSpan(ctx, "Upserter.Batch",
		attribute.Int("batch.index", job.index),
		attribute.Int("batch.size", len(job.chunks)),
	)
	defer span.End()

	start := time.Now()
	ev := BatchEvent{
		DatasetID: dataset.ID,
		OwnerID:   dataset.UserID,
		Index:     job.index,
		Size:      len(job.chunks),
	}
	fail := func(err error) (int, error) {
		ev.Duration = time.Since(start)
		middleware.AddSpanError(ctx, err)
		u.cfg.Observer.BatchFailed(ctx, ev, err)
		return 0, err
	}

	texts := make([]string, len(job.chunks))
	for i, ch := range job.chunks {
		texts[i] = ch.Text
	}

	var vectors [][]float32
	attempts, err := u.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		v, err := u.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(v) != len(texts) {
			return apperrors.Provider("embedding provider returned an unexpected number of vectors",
				fmt.Errorf("want %d, got %d", len(texts), len(v)))
		}
		vectors = v
		return nil
	})
	ev.Attempts = attempts
	if err != nil {
		return fail(err)
	}

	docs := buildDocuments(dataset, job.chunks, vectors, metadata)
	ev.Size = len(docs)

	writeAttempts, err := u.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return u.store.UpsertDocuments(ctx, docs)
	})
	ev.Attempts += writeAttempts
	if err != nil {
		return fail(err)
	}

	ev.Duration = time.Since(start)
	u.cfg.Observer.BatchCommitted(ctx, ev)
	return len(docs), nil
}

// buildDocuments pairs chunks with their vectors. Chunks with the same text
// within a batch collapse into the first one, since a bulk upsert may not
// touch the same key twice.
func buildDocuments(dataset *models.Dataset, chunks []models.Chunk, vectors [][]float32, metadata map[string]any) []*models.Document {
	docs := make([]*models.Document, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))

	for i, ch := range chunks {
		hash := models.HashContent(ch.Text)
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}

		meta := make(map[string]any, len(metadata)+2)
		maps.Copy(meta, metadata)
		meta[MetadataChunkIndex] = ch.Index
		meta[MetadataSourceOffset] = ch.SourceOffset

		docs = append(docs, &models.Document{
			DatasetID: dataset.ID,
			UserID:    dataset.UserID,
			Data:      ch.Text,
			Embedding: pgvector.NewVector(vectors[i]),
			Hash:      hash,
			Metadata:  meta,
			Public:    dataset.Public,
		})
	}
	return docs
}

package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"embedbase/internal/apperrors"
	"embedbase/internal/chunker"
	"embedbase/internal/middleware"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: INGESTION WORKER POOL

Ingest runs inline for the request that asked for it. Submit queues the same
work on a long-lived pool so a large upload can return 202 immediately:

  HTTP ──► Submit ──► jobs (buffered) ──► worker ──► Ingest ──► BatchUpserter

The queue is bounded: Submit blocks while it is full (backpressure) and gives
up when the caller's context ends. Progress is visible through JobStatus and,
batch by batch, through the Observer.
*/

// IngestRequest is plain text to be chunked into a dataset.
type IngestRequest struct {
	DatasetID string
	OwnerID   string
	Text      string
	Metadata  map[string]any
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is the externally visible state of a queued ingestion.
type JobStatus struct {
	ID        string            `json:"id"`
	DatasetID string            `json:"dataset_id"`
	OwnerID   string            `json:"-"`
	State     JobState          `json:"state"`
	Result    *UpsertResult     `json:"result,omitempty"`
	Error     *apperrors.Detail `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type ingestJob struct {
	id  string
	req IngestRequest
}

// IngestService chunks text and hands it to the BatchUpserter.
type IngestService struct {
	chunker  *chunker.Chunker
	upserter *BatchUpserter
	options  UpsertOptions

	jobs     chan ingestJob
	workers  int
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closeMu  sync.RWMutex
	closed   bool
	statusMu sync.RWMutex
	statuses map[string]*JobStatus
}

// NewIngestService creates the service and its queue; call Start before Submit.
func NewIngestService(ch *chunker.Chunker, upserter *BatchUpserter, options UpsertOptions, numWorkers, queueSize int) *IngestService {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IngestService{
		chunker:  ch,
		upserter: upserter,
		options:  options,
		jobs:     make(chan ingestJob, queueSize),
		workers:  numWorkers,
		ctx:      ctx,
		cancel:   cancel,
		statuses: make(map[string]*JobStatus),
	}
}

// Ingest chunks req.Text and upserts it, returning once every batch settled.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*UpsertResult, error) {
	if err := validateIngest(req); err != nil {
		return nil, err
	}

	ctx, span := middleware.StartSpan(ctx, "Ingest.Ingest",
		attribute.String("dataset.id", req.DatasetID),
		attribute.Int("ingest.bytes", len(req.Text)),
	)
	defer span.End()

	opts := s.options
	opts.Metadata = req.Metadata
	return s.upserter.Upsert(ctx, req.DatasetID, req.OwnerID, s.chunker.Chunks(req.Text), opts)
}

// EnsureDataset creates an empty dataset so it can be referenced before any
// content is uploaded.
func (s *IngestService) EnsureDataset(ctx context.Context, datasetID, ownerID string) (*UpsertResult, error) {
	return s.upserter.Upsert(ctx, datasetID, ownerID, nil, s.options)
}

func validateIngest(req IngestRequest) error {
	if req.DatasetID == "" {
		return apperrors.Validation("dataset id is required")
	}
	if req.OwnerID == "" {
		return apperrors.Unauthorized("an owner is required to write documents")
	}
	if strings.TrimSpace(chunker.Normalize(req.Text)) == "" {
		return apperrors.Validation("text is empty")
	}
	return nil
}

// Start spawns the queue workers.
func (s *IngestService) Start() {
	log.Printf("🔧 Starting ingestion worker pool with %d workers", s.workers)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	log.Println("✓ Ingestion worker pool started")
}

func (s *IngestService) worker(id int) {
	defer s.wg.Done()

	for job := range s.jobs {
		log.Printf("  Worker %d ingesting job %s into %s", id, job.id, job.req.DatasetID)
		s.setStatus(job.id, func(st *JobStatus) { st.State = JobRunning })

		result, err := s.Ingest(s.ctx, job.req)

		s.setStatus(job.id, func(st *JobStatus) {
			st.Result = result
			if err != nil {
				detail := apperrors.NewDetail(err)
				st.Error = &detail
				st.State = JobFailed
				return
			}
			st.State = JobSucceeded
		})
		if err != nil {
			log.Printf("  Worker %d job %s error: %v", id, job.id, err)
		} else {
			log.Printf("  Worker %d job %s wrote %d documents", id, job.id, result.Written)
		}
	}
}

// Submit queues req and returns its job id. It blocks while the queue is full.
func (s *IngestService) Submit(ctx context.Context, req IngestRequest) (string, error) {
	if err := validateIngest(req); err != nil {
		return "", err
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return "", fmt.Errorf("ingestion service is shutting down")
	}

	job := ingestJob{id: ksuid.New().String(), req: req}
	now := time.Now()
	s.statusMu.Lock()
	s.statuses[job.id] = &JobStatus{
		ID:        job.id,
		DatasetID: req.DatasetID,
		OwnerID:   req.OwnerID,
		State:     JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.statusMu.Unlock()

	select {
	case s.jobs <- job:
		return job.id, nil
	case <-ctx.Done():
		s.dropStatus(job.id)
		return "", ctx.Err()
	case <-s.ctx.Done():
		s.dropStatus(job.id)
		return "", fmt.Errorf("ingestion service is shutting down")
	}
}

// JobStatus returns a copy of the job's status if ownerID owns it.
func (s *IngestService) JobStatus(id, ownerID string) (*JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.statuses[id]
	if !ok || st.OwnerID != ownerID {
		return nil, false
	}
	cp := *st
	return &cp, true
}

// QueueLength returns current number of pending jobs
func (s *IngestService) QueueLength() int {
	return len(s.jobs)
}

func (s *IngestService) setStatus(id string, update func(*JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st, ok := s.statuses[id]; ok {
		update(st)
		st.UpdatedAt = time.Now()
	}
}

func (s *IngestService) dropStatus(id string) {
	s.statusMu.Lock()
	delete(s.statuses, id)
	s.statusMu.Unlock()
}

// Shutdown stops accepting jobs and lets the workers drain the queue. When
// ctx ends first, in-flight jobs are cancelled.
func (s *IngestService) Shutdown(ctx context.Context) {
	log.Println("🛑 Shutting down ingestion service...")

	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()

	log.Println("✓ Ingestion service shutdown complete")
}

package services

import (
	"context"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"embedbase/internal/models"
)

// keywordEmbedder maps text onto one dimension per keyword, plus a small
// constant so no vector is all zeros.
type keywordEmbedder struct {
	keywords []string
	delay    time.Duration
	// failFn, when set, decides per call whether EmbedBatch fails.
	failFn func(texts []string, call int) error

	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64

	mu     sync.Mutex
	inputs [][]string
}

func newKeywordEmbedder(keywords ...string) *keywordEmbedder {
	return &keywordEmbedder{keywords: keywords}
}

func (e *keywordEmbedder) vector(text string) []float32 {
	v := make([]float32, len(e.keywords)+1)
	lower := strings.ToLower(text)
	for i, kw := range e.keywords {
		v[i] = float32(strings.Count(lower, kw))
	}
	v[len(e.keywords)] = 0.01
	return v
}

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	call := int(e.calls.Add(1))

	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		seen := e.maxSeen.Load()
		if n <= seen || e.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	e.mu.Lock()
	e.inputs = append(e.inputs, append([]string(nil), texts...))
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.failFn != nil {
		if err := e.failFn(texts, call); err != nil {
			return nil, err
		}
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

// staticMatcher returns canned results and records the query it got.
type staticMatcher struct {
	results []*models.SearchResult
	err     error
	last    models.MatchQuery
	calls   int
}

func (m *staticMatcher) MatchDocuments(_ context.Context, q models.MatchQuery) ([]*models.SearchResult, error) {
	m.calls++
	m.last = q
	return m.results, m.err
}

func chunkSeq(texts ...string) iter.Seq[models.Chunk] {
	return func(yield func(models.Chunk) bool) {
		offset := 0
		for i, t := range texts {
			if !yield(models.Chunk{Text: t, Index: i, SourceOffset: offset}) {
				return
			}
			offset += len(t) + 1
		}
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// recordingObserver keeps every event it receives.
type recordingObserver struct {
	mu        sync.Mutex
	committed []BatchEvent
	failed    []BatchEvent
	searches  []SearchEvent
}

func (o *recordingObserver) BatchCommitted(_ context.Context, ev BatchEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, ev)
}

func (o *recordingObserver) BatchFailed(_ context.Context, ev BatchEvent, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, ev)
}

func (o *recordingObserver) SearchCompleted(_ context.Context, ev SearchEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.searches = append(o.searches, ev)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"embedbase/internal/apperrors"
	"embedbase/internal/middleware"
	"embedbase/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// MaxQueryLength is counted in characters, not bytes.
	MaxQueryLength       = 4000
	DefaultTopK          = 5
	MaxTopK              = 100
	DefaultThreshold     = float32(0.1)
	DefaultSearchTimeout = 15 * time.Second
)

// SearchRequest is one similarity query. Threshold and TopK fall back to the
// service defaults when unset.
type SearchRequest struct {
	Query      string
	DatasetIDs []string
	// OwnerID is empty for anonymous callers, who only see public datasets.
	OwnerID       string
	IncludePublic bool
	Filter        models.Filter
	TopK          int
	Threshold     *float32
}

// SearchConfig holds the defaults of a SearchService. A nil Threshold means
// DefaultThreshold; zero keeps every match.
type SearchConfig struct {
	TopK      int
	Threshold *float32
	Timeout   time.Duration
	Retry     RetryPolicy
	Observer  Observer
}

// SearchService embeds a query and ranks stored documents against it.
type SearchService struct {
	embedder Embedder
	matcher  DocumentMatcher
	cfg      SearchConfig

	// threshold is cfg.Threshold with the default applied.
	threshold float32
}

func NewSearchService(embedder Embedder, matcher DocumentMatcher, cfg SearchConfig) *SearchService {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSearchTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	cfg.Observer = observerOrNop(cfg.Observer)
	return &SearchService{embedder: embedder, matcher: matcher, cfg: cfg, threshold: threshold}
}

// Search returns up to TopK documents with score >= Threshold, highest score
// first and ties broken by id. An empty query without a filter matches
// nothing and never reaches the provider.
func (s *SearchService) Search(ctx context.Context, req SearchRequest) (*models.SearchResponse, error) {
	datasetIDs, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	resp := &models.SearchResponse{
		ID:           uuid.NewString(),
		DatasetIDs:   datasetIDs,
		UserID:       req.OwnerID,
		Query:        req.Query,
		Similarities: []*models.SearchResult{},
		CreatedAt:    time.Now().UTC(),
	}
	if strings.TrimSpace(req.Query) == "" {
		return resp, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	threshold := s.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ctx, span := middleware.StartSpan(ctx, "Search.Search",
		attribute.StringSlice("dataset.ids", datasetIDs),
		attribute.Int("search.top_k", topK),
		attribute.Float64("search.threshold", float64(threshold)),
		attribute.Bool("search.filtered", req.Filter != nil),
	)
	defer span.End()
	start := time.Now()

	var vector []float32
	_, err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		v, err := s.embedder.Embed(ctx, req.Query)
		vector = v
		return err
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, s.wrap(ctx, "failed to embed query", err)
	}

	results, err := s.matcher.MatchDocuments(ctx, models.MatchQuery{
		Embedding:     vector,
		Threshold:     threshold,
		MatchCount:    topK,
		DatasetIDs:    datasetIDs,
		UserID:        req.OwnerID,
		IncludePublic: req.IncludePublic || req.OwnerID == "",
		Filter:        req.Filter,
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, s.wrap(ctx, "failed to match documents", err)
	}

	resp.Similarities = Rank(results, threshold, topK)
	span.SetAttributes(attribute.Int("search.results", len(resp.Similarities)))

	s.cfg.Observer.SearchCompleted(ctx, SearchEvent{
		DatasetIDs: datasetIDs,
		OwnerID:    req.OwnerID,
		Results:    len(resp.Similarities),
		Duration:   time.Since(start),
	})
	return resp, nil
}

// validate runs every check that does not need the network and returns the
// deduplicated dataset ids.
func (s *SearchService) validate(req SearchRequest) ([]string, error) {
	if utf8.RuneCountInString(req.Query) > MaxQueryLength {
		return nil, apperrors.QueryTooLong(MaxQueryLength)
	}
	if strings.TrimSpace(req.Query) == "" && req.Filter != nil {
		return nil, apperrors.Validation("a filter needs a query to rank against")
	}

	datasetIDs := dedupe(req.DatasetIDs)
	if len(datasetIDs) == 0 {
		return nil, apperrors.Validation("at least one dataset id is required")
	}
	if req.TopK < 0 || req.TopK > MaxTopK {
		return nil, apperrors.Validation("top_k must be between 1 and %d", MaxTopK)
	}
	if req.Threshold != nil && (*req.Threshold < 0 || *req.Threshold > 1) {
		return nil, apperrors.Validation("threshold must be between 0 and 1")
	}
	return datasetIDs, nil
}

func (s *SearchService) wrap(ctx context.Context, msg string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
		err = apperrors.Timeout("search did not finish in time", err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Rank drops results below threshold, orders the rest by score descending
// then id ascending, and keeps at most topK.
func Rank(results []*models.SearchResult, threshold float32, topK int) []*models.SearchResult {
	kept := make([]*models.SearchResult, 0, len(results))
	for _, r := range results {
		if r != nil && r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].ID < kept[j].ID
	})
	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

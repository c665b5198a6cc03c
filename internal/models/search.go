package models

import "time"

// SearchResult is a document matched by a similarity query.
type SearchResult struct {
	ID        string         `json:"id"`
	DatasetID string         `json:"dataset_id"`
	Data      string         `json:"data"`
	Embedding []float32      `json:"embedding"`
	Hash      string         `json:"hash"`
	Metadata  map[string]any `json:"metadata"`
	Score     float32        `json:"score"` // Cosine similarity (0-1)
}

// MatchQuery is the store-level nearest neighbour lookup. It mirrors the
// parameters of the match_documents function of the hosted store.
type MatchQuery struct {
	Embedding  []float32
	Threshold  float32
	MatchCount int
	DatasetIDs []string
	// UserID scopes the lookup to one owner. Empty means anonymous: only
	// public datasets are visible.
	UserID        string
	IncludePublic bool
	Filter        Filter
}

// SearchResponse is what the search entry point returns.
type SearchResponse struct {
	ID           string          `json:"id"`
	DatasetIDs   []string        `json:"dataset_ids"`
	UserID       string          `json:"user_id,omitempty"`
	Query        string          `json:"query"`
	Similarities []*SearchResult `json:"similarities"`
	CreatedAt    time.Time       `json:"created_at"`
}

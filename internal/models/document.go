package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// EmbeddingDimensions is the output size of text-embedding-ada-002. All
// documents of a dataset must share it to be comparable.
const EmbeddingDimensions = 1536

// Dataset is a named, owned collection of documents sharing a visibility scope.
// The same name may be used by different owners, hence the composite key.
type Dataset struct {
	ID        string    `json:"id" gorm:"type:text;primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:text;primaryKey"`
	Public    bool      `json:"public" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// Document is one embedded chunk of a source text.
// Learning: (user_id, dataset_id, hash) is unique, so writing the same chunk
// twice is an upsert rather than a duplicate row.
type Document struct {
	ID        string          `json:"id" gorm:"type:uuid;primaryKey"`
	DatasetID string          `json:"dataset_id" gorm:"type:text;not null;uniqueIndex:idx_documents_tenant_hash,priority:2"`
	UserID    string          `json:"user_id" gorm:"type:text;not null;uniqueIndex:idx_documents_tenant_hash,priority:1"`
	Data      string          `json:"data" gorm:"type:text;not null"`
	Embedding pgvector.Vector `json:"-" gorm:"type:vector(1536);not null"`
	Hash      string          `json:"hash" gorm:"type:char(64);not null;uniqueIndex:idx_documents_tenant_hash,priority:3"`
	Metadata  map[string]any  `json:"metadata" gorm:"type:jsonb;serializer:json;default:'{}'"`
	Public    bool            `json:"public" gorm:"not null;default:false"`
	CreatedAt time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate hook generates the UUID before inserting
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// Chunk is a bounded slice of a source text, the unit of embedding. It only
// lives between the chunker and the upserter.
type Chunk struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	SourceOffset int    `json:"source_offset"`
}

// HashContent fingerprints chunk text; equal text in the same dataset and
// owner is the same logical document.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

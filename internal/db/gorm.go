package db

import (
	"fmt"
	"log"
	"strings"

	"embedbase/internal/config"
	"embedbase/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the database, enables pgvector and migrates the schema.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		Logger: logger.Default.LogMode(LogLevel(cfg.DBLogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Println("✓ Database connected and migrated successfully")

	return &GormDB{db}, nil
}

// Migrate creates the vector extension, the tables and the indexes that GORM
// cannot express in struct tags.
func Migrate(db *gorm.DB) error {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}

	if err := db.AutoMigrate(&models.Dataset{}, &models.Document{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Note: done by hand since GORM has no vector index support
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_documents_embedding
			ON documents USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_metadata
			ON documents USING gin (metadata jsonb_path_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_public
			ON documents (dataset_id) WHERE public`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// LogLevel maps DB_LOG_LEVEL to a GORM log level. Unknown values mean warn.
func LogLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Package storage persists pipeline results to PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/pipeline"
)

// ResultsStore writes finished documents to a PostgreSQL table, one row per
// document keyed by document id. Re-processing a document overwrites its row.
type ResultsStore struct {
	db  *sql.DB
	log *logging.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	record JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_status_idx ON documents (status);
`

// NewResultsStore connects to PostgreSQL and ensures the schema exists.
func NewResultsStore(databaseURL string, log *logging.Logger) (*ResultsStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &ResultsStore{db: db, log: log}, nil
}

// SaveDocument implements pipeline.ResultStore.
func (s *ResultsStore) SaveDocument(ctx context.Context, doc *pipeline.Document) error {
	record, err := doc.MarshalRecord()
	if err != nil {
		return err
	}

	// PostgreSQL rejects NUL escapes inside jsonb; OCR of binary-ish regions
	// can produce them.
	sanitized := strings.ReplaceAll(string(record), `\u0000`, "")

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, status, record, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    record = EXCLUDED.record,
		    updated_at = now()`,
		doc.ID, string(doc.Status), sanitized,
	)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
	}

	s.log.Debug("document saved", "documentId", doc.ID, "status", doc.Status)
	return nil
}

// GetDocument loads a stored document record by id. Missing documents return
// sql.ErrNoRows.
func (s *ResultsStore) GetDocument(ctx context.Context, documentID string) (*pipeline.Document, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM documents WHERE id = $1`, documentID,
	).Scan(&record)
	if err != nil {
		return nil, err
	}

	doc, err := pipeline.UnmarshalRecord(record)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", documentID, err)
	}
	return doc, nil
}

// Ping checks connectivity.
func (s *ResultsStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *ResultsStore) Close() error {
	return s.db.Close()
}

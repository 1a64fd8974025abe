// Package store keeps a history of accepted detections in SQLite. The
// history is optional; the API works the same without it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Detection is one accepted prediction.
type Detection struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	ModelUsed  string    `json:"model_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is a SQLite-backed detection history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		label TEXT NOT NULL,
		confidence REAL NOT NULL,
		model_used TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_detections_created_at ON detections(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save records one accepted detection. A zero ID or timestamp is filled
// in.
func (s *Store) Save(ctx context.Context, det Detection) (Detection, error) {
	if det.ID == "" {
		det.ID = uuid.NewString()
	}
	if det.CreatedAt.IsZero() {
		det.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (id, filename, label, confidence, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, det.ID, det.Filename, det.Label, det.Confidence, det.ModelUsed, det.CreatedAt)
	if err != nil {
		return Detection{}, fmt.Errorf("failed to insert detection: %w", err)
	}
	return det, nil
}

// Recent returns the newest detections, up to limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, label, confidence, model_used, created_at
		FROM detections ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var detections []Detection
	for rows.Next() {
		var det Detection
		if err := rows.Scan(&det.ID, &det.Filename, &det.Label, &det.Confidence, &det.ModelUsed, &det.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		detections = append(detections, det)
	}
	return detections, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("record not found")

// Record is one persisted model.
type Record struct {
	ID         int64
	ModelType  string
	Params     string // JSON
	FeatureDim int
	NClasses   int
	State      []byte
	NTrained   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewRecord carries the fields supplied when a model is created.
type NewRecord struct {
	ModelType  string
	Params     string
	FeatureDim int
	NClasses   int
	State      []byte
}

// Store persists model records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	query := `
    CREATE TABLE IF NOT EXISTS models (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_type TEXT NOT NULL,
        params TEXT NOT NULL DEFAULT '{}',
        feature_dim INTEGER NOT NULL CHECK (feature_dim >= 1),
        n_classes INTEGER NOT NULL CHECK (n_classes >= 1),
        serialized_state BLOB NOT NULL,
        n_trained INTEGER NOT NULL DEFAULT 0 CHECK (n_trained >= 0),
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_models_type ON models (model_type);
    `
	if _, err := database.Exec(query); err != nil {
		database.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: database}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRecord inserts a new model with n_trained = 0 and returns its id.
func (s *Store) CreateRecord(ctx context.Context, rec NewRecord) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO models (model_type, params, feature_dim, n_classes, serialized_state, n_trained, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		rec.ModelType, rec.Params, rec.FeatureDim, rec.NClasses, rec.State, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetRecord loads a full record, state included.
func (s *Store) GetRecord(ctx context.Context, id int64) (*Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `
        SELECT id, model_type, params, feature_dim, n_classes, serialized_state, n_trained, created_at, updated_at
        FROM models
        WHERE id = ?`, id).Scan(&r.ID, &r.ModelType, &r.Params, &r.FeatureDim, &r.NClasses, &r.State, &r.NTrained, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRecord replaces the state and training counter of a record in one
// statement.
func (s *Store) UpdateRecord(ctx context.Context, id int64, state []byte, nTrained int) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE models
        SET serialized_state = ?, n_trained = ?, updated_at = ?
        WHERE id = ?`, state, nTrained, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecords returns every record ordered by id. State is not loaded.
func (s *Store) ListRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, model_type, params, feature_dim, n_classes, n_trained, created_at, updated_at
        FROM models
        ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ModelType, &r.Params, &r.FeatureDim, &r.NClasses, &r.NTrained, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

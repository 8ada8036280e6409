package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps history in a SQLite database file.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// Serialise writers; concurrent experiments share the file.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec IterationRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(rec.Candidate)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO iterations (run_id, iteration, candidate, score, cached, best, elapsed_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET
			candidate = excluded.candidate,
			score = excluded.score,
			cached = excluded.cached,
			best = excluded.best,
			elapsed_ns = excluded.elapsed_ns
	`, rec.RunID, rec.Iteration, payload, rec.Score, rec.Cached, rec.Best, int64(rec.Elapsed))
	return err
}

func (s *SQLiteStore) History(ctx context.Context, runID string) ([]IterationRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT iteration, candidate, score, cached, best, elapsed_ns
		FROM iterations WHERE run_id = ? ORDER BY iteration
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []IterationRecord
	for rows.Next() {
		var (
			rec     = IterationRecord{RunID: runID}
			payload []byte
			elapsed int64
		)
		if err := rows.Scan(&rec.Iteration, &payload, &rec.Score, &rec.Cached, &rec.Best, &elapsed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Candidate); err != nil {
			return nil, fmt.Errorf("decode candidate %s/%d: %w", runID, rec.Iteration, err)
		}
		rec.Elapsed = time.Duration(elapsed)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT DISTINCT run_id FROM iterations ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS iterations (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			candidate TEXT NOT NULL,
			score REAL NOT NULL,
			cached INTEGER NOT NULL,
			best REAL NOT NULL,
			elapsed_ns INTEGER NOT NULL,
			PRIMARY KEY (run_id, iteration)
		);
	`)
	return err
}

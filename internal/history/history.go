// Package history persists finished jobs in a local sqlite database.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"enhanced/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultLimit caps List when no limit is given.
const DefaultLimit = 50

// Store records terminal jobs.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if err := migrateUp(path); err != nil {
		return nil, err
	}
	db, err := connect(path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Msg("history store opened")
	return &Store{db: db, log: log}, nil
}

func connect(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	for _, q := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", q, err)
		}
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)
	return db, nil
}

// migrateUp runs on its own connection because the migrator closes the
// database it is given.
func migrateUp(path string) error {
	db, err := connect(path)
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{DatabaseName: "main"})
	if err != nil {
		db.Close()
		return fmt.Errorf("history: migrate driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("history: migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("history: migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: apply migrations: %w", err)
	}
	return nil
}

// Record inserts or replaces the entry for e.JobID.
func (s *Store) Record(ctx context.Context, e types.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO jobs
		(job_id, label, status, error, stages, produced, latency_s, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Label, string(e.Status), e.Error, e.Stages, e.Produced, e.Latency,
		e.CreatedAt.UnixMilli(), e.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("history: record %s: %w", e.JobID, err)
	}
	s.log.Debug().Str("job", e.JobID).Str("status", string(e.Status)).Msg("history recorded")
	return nil
}

// List returns up to limit entries, most recently finished first.
func (s *Store) List(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, label, status, error, stages, produced, latency_s, created_at, finished_at
		FROM jobs ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()
	out := []types.HistoryEntry{}
	for rows.Next() {
		var (
			e                 types.HistoryEntry
			status            string
			created, finished int64
		)
		if err := rows.Scan(&e.JobID, &e.Label, &status, &e.Error, &e.Stages, &e.Produced, &e.Latency, &created, &finished); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Status = types.JobStatus(status)
		e.CreatedAt = time.UnixMilli(created)
		e.FinishedAt = time.UnixMilli(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Package database stores the run history in SQLite.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tb-go/internal/database/migrations"
	"tb-go/internal/tb"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteHistory implements tb.History.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens the database at path, creating and migrating it as needed.
// path can be ":memory:".
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteHistory{db: db}, nil
}

// OpenConnection opens a SQLite connection with foreign keys enforced. In-memory
// databases are limited to one connection, since each connection would otherwise see
// its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

func (s *SQLiteHistory) RecordRun(ctx context.Context, rec *tb.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, kind, folder, status, started_at, finished_at, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Folder, string(rec.Status), rec.Started.UnixNano(), rec.Finished.UnixNano(), rec.Error)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for i, c := range rec.Components {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_components (run_id, position, component, ok, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, i, c.Component, c.OK, c.Error, c.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("inserting component %s: %w", c.Component, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	return nil
}

func (s *SQLiteHistory) ListRuns(ctx context.Context, kind string, limit int) ([]*tb.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, folder, status, started_at, finished_at, error FROM runs
		 WHERE ? = '' OR kind = ?
		 ORDER BY started_at DESC LIMIT ?`,
		kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*tb.RunRecord
	for rows.Next() {
		var (
			rec               tb.RunRecord
			status            string
			started, finished int64
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Folder, &status, &started, &finished, &rec.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		rec.Status = tb.RunStatus(status)
		rec.Started = time.Unix(0, started).UTC()
		rec.Finished = time.Unix(0, finished).UTC()
		runs = append(runs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	for _, rec := range runs {
		if rec.Components, err = s.components(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteHistory) components(ctx context.Context, runID string) ([]tb.ComponentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT component, ok, error, duration_ms FROM run_components WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing components of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []tb.ComponentRecord
	for rows.Next() {
		var (
			c  tb.ComponentRecord
			ms int64
		)
		if err := rows.Scan(&c.Component, &c.OK, &c.Error, &ms); err != nil {
			return nil, fmt.Errorf("scanning component: %w", err)
		}
		c.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

var _ tb.History = (*SQLiteHistory)(nil)

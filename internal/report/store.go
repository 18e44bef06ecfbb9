// Package report persists finished run reports and serializes them for
// external validation. Every required field is emitted explicitly; unknown
// values are nulls, never omissions.
package report

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gemdirect/render-agent/internal/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps finished RunReports in a local SQLite database.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, logger: logger}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}

		name := m.Name()

		if s.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		if _, err := s.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}

		if _, err := s.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}

		if s.logger != nil {
			s.logger.Info("applied migration", "name", name)
		}
	}

	return nil
}

func (s *Store) isMigrationApplied(name string) bool {
	var exists int
	err := s.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}

	var applied int
	err = s.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

// RunSummary is the list view of a stored run.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	DurationMs    int64     `json:"duration_ms"`
	JobCount      int       `json:"job_count"`
	FailedCount   int       `json:"failed_count"`
	DegradedCount int       `json:"degraded_count"`
}

// SaveReport stores a finalized run report. The full document is kept as
// JSON alongside queryable summary columns.
func (s *Store) SaveReport(ctx context.Context, r *engine.RunReport) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, duration_ms, job_count, failed_count, degraded_count, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.DurationMs,
		r.JobCount,
		r.FailedCount,
		r.DegradedCount,
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("insert run report: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("run report saved", "run_id", r.RunID, "jobs", r.JobCount)
	}
	return nil
}

// ListRuns returns the most recent run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, duration_ms, job_count, failed_count, degraded_count
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var (
			sum                   RunSummary
			startedAt, finishedAt string
		)
		if err := rows.Scan(&sum.RunID, &startedAt, &finishedAt, &sum.DurationMs,
			&sum.JobCount, &sum.FailedCount, &sum.DegradedCount); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		if sum.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if sum.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// GetRun returns the full stored report for one run id, or nil when the
// run is unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*engine.RunReport, error) {
	var doc string
	err := s.conn.QueryRowContext(ctx,
		"SELECT report_json FROM runs WHERE run_id = ?", runID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var r engine.RunReport
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("parse stored report: %w", err)
	}
	return &r, nil
}

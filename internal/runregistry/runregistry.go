// Package runregistry indexes every run's identity and outcome in
// Postgres, letting operators query run history across restarts without
// opening each run's archive file.
package runregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run is one row of run history.
type Run struct {
	ID          uuid.UUID
	Module      string
	ArchivePath string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string
}

// Registry wraps a pgx connection pool for the runs table.
type Registry struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn and ensures the runs table exists.
func Open(ctx context.Context, dsn string) (*Registry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("runregistry: connect: %w", err)
	}
	r := &Registry{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mechanic_runs (
			id UUID PRIMARY KEY,
			module TEXT NOT NULL,
			archive_path TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			status TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("runregistry: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Registry) Close() {
	r.pool.Close()
}

// RecordStart inserts a new run row, generating its id.
func (r *Registry) RecordStart(ctx context.Context, module, archivePath string, startedAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO mechanic_runs (id, module, archive_path, started_at, status)
		VALUES ($1, $2, $3, $4, 'running')
	`, id, module, archivePath, startedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("runregistry: record start: %w", err)
	}
	return id, nil
}

// RecordFinish marks a run row finished with the given terminal status
// ("completed", "aborted", "failed").
func (r *Registry) RecordFinish(ctx context.Context, id uuid.UUID, finishedAt time.Time, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE mechanic_runs SET finished_at = $2, status = $3 WHERE id = $1
	`, id, finishedAt, status)
	if err != nil {
		return fmt.Errorf("runregistry: record finish: %w", err)
	}
	return nil
}

// ListByModule returns run history for one module, most recent first.
func (r *Registry) ListByModule(ctx context.Context, module string) ([]Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, module, archive_path, started_at, finished_at, status
		FROM mechanic_runs WHERE module = $1 ORDER BY started_at DESC
	`, module)
	if err != nil {
		return nil, fmt.Errorf("runregistry: list: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Module, &run.ArchivePath, &run.StartedAt, &run.FinishedAt, &run.Status); err != nil {
			return nil, fmt.Errorf("runregistry: scan: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

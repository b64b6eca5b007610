package database

import (
	"context"
	"database/sql"
	"fmt"
)

type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) SaveJobRun(ctx context.Context, run JobRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, name, feed_type, status, step, batch, attempts, error, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			step = excluded.step,
			batch = excluded.batch,
			attempts = excluded.attempts,
			error = excluded.error,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`, run.ID, run.Name, run.FeedType, string(run.Status), run.Step, run.Batch, run.Attempts, run.Error,
		run.StartedAt.UTC(), run.UpdatedAt.UTC(), run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

// ListJobRuns returns the most recently started runs first.
func (r *JobRepository) ListJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, feed_type, status, step, batch, attempts, error, started_at, updated_at, finished_at
		FROM job_runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var run JobRun
		var status string
		var finishedAt sql.NullTime
		err := rows.Scan(&run.ID, &run.Name, &run.FeedType, &status, &run.Step, &run.Batch, &run.Attempts,
			&run.Error, &run.StartedAt, &run.UpdatedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run row: %w", err)
		}
		run.Status = JobStatus(status)
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job run rows: %w", err)
	}

	return runs, nil
}

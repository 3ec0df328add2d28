package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/slok/rollr/internal/model"
)

const jobSummaryQuery = `
	SELECT
		j.id, j.task_id, j.created_at,
		COUNT(r.id),
		COALESCE(SUM(CASE WHEN r.status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN r.status IN ('success', 'failed', 'error') THEN 1 ELSE 0 END), 0)
	FROM jobs j
	LEFT JOIN rollouts r ON r.job_id = j.id
`

// CreateJob creates a job and its rollouts in a single transaction.
func (r *Repository) CreateJob(ctx context.Context, j model.Job, rollouts []model.Rollout) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (id, task_id, created_at) VALUES (?, ?, ?)`, j.ID, j.TaskID, toUnix(j.CreatedAt))
	if err != nil {
		switch {
		case isUniqueErr(err):
			return fmt.Errorf("job %s: %w", j.ID, model.ErrAlreadyExists)
		case isForeignKeyErr(err):
			return fmt.Errorf("task %s: %w", j.TaskID, model.ErrNotFound)
		}
		return fmt.Errorf("could not insert job: %w", err)
	}

	for _, ro := range rollouts {
		ro.JobID = j.ID
		if err := insertRollout(ctx, tx, ro); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Created job %s with %d rollouts in repository", j.ID, len(rollouts))
	return nil
}

// GetJobSummary retrieves a job with its aggregated counters.
func (r *Repository) GetJobSummary(ctx context.Context, id string) (*model.JobSummary, error) {
	js, err := scanJobSummary(r.db.QueryRowContext(ctx, jobSummaryQuery+` WHERE j.id = ? GROUP BY j.id`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query job: %w", err)
	}

	return &js, nil
}

// ListJobSummaries returns the jobs of a task with their aggregated counters, newest first.
func (r *Repository) ListJobSummaries(ctx context.Context, taskID string) ([]model.JobSummary, error) {
	query := jobSummaryQuery + ` WHERE j.task_id = ? GROUP BY j.id ORDER BY j.created_at DESC, j.id DESC`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.JobSummary{}
	for rows.Next() {
		js, err := scanJobSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		jobs = append(jobs, js)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return jobs, nil
}

// DeleteJob deletes a job, the foreign keys cascade to its rollouts and their step logs.
func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	if err := execAffectingOne(ctx, r.db, "job", id, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return err
	}

	r.logger.Debugf("Deleted job from repository: %s", id)
	return nil
}

func scanJobSummary(s scanner) (model.JobSummary, error) {
	var js model.JobSummary
	var createdAt int64
	err := s.Scan(&js.ID, &js.TaskID, &createdAt, &js.Counts.Rollouts, &js.Counts.Success, &js.Counts.Completed)
	if err != nil {
		return model.JobSummary{}, err
	}
	js.CreatedAt = fromUnix(createdAt)

	return js, nil
}

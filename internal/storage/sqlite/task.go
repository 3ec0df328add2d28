package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/slok/rollr/internal/model"
)

// Aggregated counters for every task in a single pass, jobs are pre-grouped so the
// rollout join does not multiply them.
const taskSummaryQuery = `
	SELECT
		t.id, t.task, t.answer, t.created_at,
		COALESCE(jc.n, 0),
		COUNT(r.id),
		COALESCE(SUM(CASE WHEN r.status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN r.status IN ('success', 'failed', 'error') THEN 1 ELSE 0 END), 0)
	FROM tasks t
	LEFT JOIN (SELECT task_id, COUNT(*) AS n FROM jobs GROUP BY task_id) jc ON jc.task_id = t.id
	LEFT JOIN rollouts r ON r.task_id = t.id
`

// UpsertTask creates the task or updates its text and answer keeping the creation time.
func (r *Repository) UpsertTask(ctx context.Context, t model.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (id, task, answer, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task = excluded.task,
			answer = excluded.answer
	`
	if _, err := r.db.ExecContext(ctx, query, t.ID, t.Task, t.Answer, toUnix(t.CreatedAt)); err != nil {
		return fmt.Errorf("could not upsert task: %w", err)
	}

	r.logger.Debugf("Upserted task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	var createdAt int64
	err := r.db.QueryRowContext(ctx, `SELECT id, task, answer, created_at FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.Task, &t.Answer, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}
	t.CreatedAt = fromUnix(createdAt)

	return &t, nil
}

// GetTaskSummary retrieves a task with its aggregated counters.
func (r *Repository) GetTaskSummary(ctx context.Context, id string) (*model.TaskSummary, error) {
	query := taskSummaryQuery + ` WHERE t.id = ? GROUP BY t.id`
	ts, err := scanTaskSummary(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &ts, nil
}

// ListTaskSummaries returns all the tasks with their aggregated counters, newest first.
func (r *Repository) ListTaskSummaries(ctx context.Context) ([]model.TaskSummary, error) {
	query := taskSummaryQuery + ` GROUP BY t.id ORDER BY t.created_at DESC, t.id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.TaskSummary{}
	for rows.Next() {
		ts, err := scanTaskSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

func scanTaskSummary(s scanner) (model.TaskSummary, error) {
	var ts model.TaskSummary
	var createdAt int64
	err := s.Scan(
		&ts.ID,
		&ts.Task.Task,
		&ts.Answer,
		&createdAt,
		&ts.JobCount,
		&ts.Counts.Rollouts,
		&ts.Counts.Success,
		&ts.Counts.Completed,
	)
	if err != nil {
		return model.TaskSummary{}, err
	}
	ts.CreatedAt = fromUnix(createdAt)

	return ts, nil
}

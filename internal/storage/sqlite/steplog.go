package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/slok/rollr/internal/model"
)

// UpsertStepLog stores a step log, an existing (rollout, step number) entry is overwritten.
func (r *Repository) UpsertStepLog(ctx context.Context, l model.StepLog) error {
	query := `
		INSERT INTO step_logs (rollout_id, step_number, timestamp, reasoning, actions, screenshot)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rollout_id, step_number) DO UPDATE SET
			timestamp = excluded.timestamp,
			reasoning = excluded.reasoning,
			actions = excluded.actions,
			screenshot = excluded.screenshot
	`
	_, err := r.db.ExecContext(ctx, query, l.RolloutID, l.StepNumber, toUnix(l.Timestamp), l.Reasoning, l.Actions, l.Screenshot)
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("rollout %s: %w", l.RolloutID, model.ErrNotFound)
		}
		return fmt.Errorf("could not upsert step log: %w", err)
	}

	return nil
}

// ListStepLogs returns the step logs of a rollout ordered by step number.
func (r *Repository) ListStepLogs(ctx context.Context, rolloutID string) ([]model.StepLog, error) {
	query := `
		SELECT rollout_id, step_number, timestamp, reasoning, actions, screenshot
		FROM step_logs
		WHERE rollout_id = ?
		ORDER BY step_number ASC
	`
	rows, err := r.db.QueryContext(ctx, query, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("could not query step logs: %w", err)
	}
	defer rows.Close()

	logs := []model.StepLog{}
	for rows.Next() {
		l, err := scanStepLog(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return logs, nil
}

// GetLatestStepLog returns the step log with the highest step number of a rollout.
func (r *Repository) GetLatestStepLog(ctx context.Context, rolloutID string) (*model.StepLog, error) {
	query := `
		SELECT rollout_id, step_number, timestamp, reasoning, actions, screenshot
		FROM step_logs
		WHERE rollout_id = ?
		ORDER BY step_number DESC
		LIMIT 1
	`
	l, err := scanStepLog(r.db.QueryRowContext(ctx, query, rolloutID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("step logs of rollout %s: %w", rolloutID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query step log: %w", err)
	}

	return &l, nil
}

func scanStepLog(s scanner) (model.StepLog, error) {
	var l model.StepLog
	var ts int64
	if err := s.Scan(&l.RolloutID, &l.StepNumber, &ts, &l.Reasoning, &l.Actions, &l.Screenshot); err != nil {
		return model.StepLog{}, err
	}
	l.Timestamp = fromUnix(ts)
	return l, nil
}

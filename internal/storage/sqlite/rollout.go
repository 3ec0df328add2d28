package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

const rolloutColumns = `
	id, task_id, job_id, status,
	result, parsed_result, matches_expected, error, log_path,
	network, db_container, db_name, app_container, container_ref, exposed_port,
	callback_token, created_at, completed_at
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateRollout creates a new rollout.
func (r *Repository) CreateRollout(ctx context.Context, ro model.Rollout) error {
	if err := insertRollout(ctx, r.db, ro); err != nil {
		return err
	}

	r.logger.Debugf("Created rollout in repository: %s", ro.ID)
	return nil
}

func insertRollout(ctx context.Context, db execer, ro model.Rollout) error {
	query := `INSERT INTO rollouts (` + rolloutColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query, rolloutArgs(ro)...)
	if err != nil {
		switch {
		case isUniqueErr(err):
			return fmt.Errorf("rollout %s: %w", ro.ID, model.ErrAlreadyExists)
		case isForeignKeyErr(err):
			return fmt.Errorf("task %s or job %s: %w", ro.TaskID, ro.JobID, model.ErrNotFound)
		}
		return fmt.Errorf("could not insert rollout: %w", err)
	}
	return nil
}

// GetRollout retrieves a rollout by ID.
func (r *Repository) GetRollout(ctx context.Context, id string) (*model.Rollout, error) {
	return r.getRolloutBy(ctx, "id", id)
}

// GetRolloutByToken retrieves a rollout by its callback token using the unique token index.
func (r *Repository) GetRolloutByToken(ctx context.Context, token string) (*model.Rollout, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", model.ErrNotFound)
	}
	return r.getRolloutBy(ctx, "callback_token", token)
}

func (r *Repository) getRolloutBy(ctx context.Context, column, value string) (*model.Rollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM rollouts WHERE ` + column + ` = ?`
	ro, err := scanRollout(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rollout with %s %q: %w", column, value, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query rollout: %w", err)
	}

	return &ro, nil
}

// ListRollouts returns the rollouts matching the filter, newest first.
func (r *Repository) ListRollouts(ctx context.Context, f model.RolloutFilter) ([]model.Rollout, error) {
	where, args := rolloutWhere(f)
	query := `SELECT ` + rolloutColumns + ` FROM rollouts` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query rollouts: %w", err)
	}
	defer rows.Close()

	rollouts := []model.Rollout{}
	for rows.Next() {
		ro, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		rollouts = append(rollouts, ro)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return rollouts, nil
}

// CountRolloutsByStatus returns the number of rollouts per status matching the filter.
func (r *Repository) CountRolloutsByStatus(ctx context.Context, f model.RolloutFilter) (map[model.RolloutStatus]int, error) {
	where, args := rolloutWhere(f)
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM rollouts`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("could not count rollouts: %w", err)
	}
	defer rows.Close()

	counts := map[model.RolloutStatus]int{}
	for rows.Next() {
		var status model.RolloutStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return counts, nil
}

// UpdateRollout reads, mutates and writes back a rollout inside a transaction.
func (r *Repository) UpdateRollout(ctx context.Context, id string, fn storage.RolloutUpdateFunc) (*model.Rollout, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ro, err := scanRollout(tx.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rollout %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query rollout: %w", err)
	}

	if err := fn(&ro); err != nil {
		return nil, err
	}
	ro.ID = id

	query := `
		UPDATE rollouts
		SET
			status = ?, result = ?, parsed_result = ?, matches_expected = ?, error = ?, log_path = ?,
			network = ?, db_container = ?, db_name = ?, app_container = ?, container_ref = ?, exposed_port = ?,
			callback_token = ?, completed_at = ?
		WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, query,
		ro.Status, ro.Result, ro.ParsedResult, nullBool(ro.MatchesExpected), ro.Error, ro.LogPath,
		ro.Sandbox.Network, ro.Sandbox.DatabaseContainer, ro.Sandbox.DatabaseName, ro.Sandbox.AppContainer,
		ro.Sandbox.WorkerContainer, ro.Sandbox.Port,
		nullString(ro.CallbackToken), nullTime(ro),
		id,
	)
	if err != nil {
		if isUniqueErr(err) {
			return nil, fmt.Errorf("callback token of rollout %s: %w", id, model.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("could not update rollout: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Updated rollout in repository: %s", id)
	return &ro, nil
}

// DeleteRollout deletes a rollout, the foreign keys cascade to its step logs.
func (r *Repository) DeleteRollout(ctx context.Context, id string) error {
	if err := execAffectingOne(ctx, r.db, "rollout", id, `DELETE FROM rollouts WHERE id = ?`, id); err != nil {
		return err
	}

	r.logger.Debugf("Deleted rollout from repository: %s", id)
	return nil
}

func rolloutWhere(f model.RolloutFilter) (string, []any) {
	var conds []string
	var args []any
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			marks = append(marks, "?")
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func rolloutArgs(ro model.Rollout) []any {
	return []any{
		ro.ID, ro.TaskID, nullString(ro.JobID), ro.Status,
		ro.Result, ro.ParsedResult, nullBool(ro.MatchesExpected), ro.Error, ro.LogPath,
		ro.Sandbox.Network, ro.Sandbox.DatabaseContainer, ro.Sandbox.DatabaseName, ro.Sandbox.AppContainer,
		ro.Sandbox.WorkerContainer, ro.Sandbox.Port,
		nullString(ro.CallbackToken), toUnix(ro.CreatedAt), nullTime(ro),
	}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullTime(ro model.Rollout) sql.NullInt64 {
	if ro.CompletedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*ro.CompletedAt), Valid: true}
}

func scanRollout(s scanner) (model.Rollout, error) {
	var ro model.Rollout
	var jobID, token sql.NullString
	var matches sql.NullBool
	var createdAt int64
	var completedAt sql.NullInt64

	err := s.Scan(
		&ro.ID, &ro.TaskID, &jobID, &ro.Status,
		&ro.Result, &ro.ParsedResult, &matches, &ro.Error, &ro.LogPath,
		&ro.Sandbox.Network, &ro.Sandbox.DatabaseContainer, &ro.Sandbox.DatabaseName, &ro.Sandbox.AppContainer,
		&ro.Sandbox.WorkerContainer, &ro.Sandbox.Port,
		&token, &createdAt, &completedAt,
	)
	if err != nil {
		return model.Rollout{}, err
	}

	ro.JobID = jobID.String
	ro.CallbackToken = token.String
	ro.CreatedAt = fromUnix(createdAt)
	if matches.Valid {
		m := matches.Bool
		ro.MatchesExpected = &m
	}
	if completedAt.Valid {
		t := fromUnix(completedAt.Int64)
		ro.CompletedAt = &t
	}

	return ro, nil
}

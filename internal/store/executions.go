// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// RecordExecutionStart writes the initial history row for a run.
func (s *Store) RecordExecutionStart(ctx context.Context, e model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO executions (id, timeline_id, started_at, status, reason)
	VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.TimelineID, e.StartedAt.UTC().Format(time.RFC3339Nano), string(e.Status), string(e.Reason))
	return err
}

// RecordExecutionEnd finalizes a run's history row with its terminal
// status and metrics.
func (s *Store) RecordExecutionEnd(ctx context.Context, e model.Execution, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE executions SET finished_at = ?, status = ?, reason = ?, error = ?,
		cues_executed = ?, cue_failures = ?, encoder_restarts = ?, loop_count = ?
	WHERE id = ?`,
		finishedAt.UTC().Format(time.RFC3339Nano), string(e.Status), string(e.Reason), e.Error,
		e.Metrics.CuesExecuted, e.Metrics.CueFailures, e.Metrics.EncoderRestarts, e.Metrics.LoopCount, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: execution %s", model.ErrNotFound, e.ID)
	}
	return nil
}

// Execution loads one history row.
func (s *Store) Execution(ctx context.Context, id string) (model.Execution, error) {
	row := s.db.QueryRowContext(ctx, executionColumns+` WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, fmt.Errorf("%w: execution %s", model.ErrNotFound, id)
	}
	return e, err
}

// Executions lists run history for one timeline, newest first.
func (s *Store) Executions(ctx context.Context, timelineID int64, limit int) ([]model.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		executionColumns+` WHERE timeline_id = ? ORDER BY started_at DESC LIMIT ?`, timelineID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkStaleExecutions flips any non-terminal history rows to error.
// Called once at boot: rows left running mean the previous process died
// mid-run.
func (s *Store) MarkStaleExecutions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE executions SET status = ?, reason = ?, error = 'process terminated mid-run', finished_at = ?
	WHERE status NOT IN (?, ?, ?)`,
		string(model.ExecError), string(model.RCancelled),
		time.Now().UTC().Format(time.RFC3339Nano),
		string(model.ExecStopped), string(model.ExecError), string(model.ExecCompleted))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const executionColumns = `
	SELECT id, timeline_id, started_at, status, reason, error,
		cues_executed, cue_failures, encoder_restarts, loop_count
	FROM executions`

func scanExecution(r rowScanner) (model.Execution, error) {
	var e model.Execution
	var startedAt, status, reason string
	if err := r.Scan(&e.ID, &e.TimelineID, &startedAt, &status, &reason, &e.Error,
		&e.Metrics.CuesExecuted, &e.Metrics.CueFailures, &e.Metrics.EncoderRestarts,
		&e.Metrics.LoopCount); err != nil {
		return model.Execution{}, err
	}
	e.Status = model.ExecutionStatus(status)
	e.Reason = model.ReasonCode(reason)
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		e.StartedAt = t
	}
	return e, nil
}

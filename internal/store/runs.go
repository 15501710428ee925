package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/fault"
)

// RunStatus tracks the lifecycle of one agent run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is the bookkeeping row for one coordinator execution. The run ID
// is the same opaque value used as the checkpoint thread ID.
type Run struct {
	ID           string          `json:"id"`
	Status       RunStatus       `json:"status"`
	Input        json.RawMessage `json:"input"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CreateRun registers a run in queued state. Re-creating an existing
// run is a no-op so resumption after suspend reuses the same row.
func (s *Store) CreateRun(ctx context.Context, id string, input map[string]any) error {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}
	if input == nil {
		inputJSON = []byte(`{}`)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_runs (id, status, input)
		VALUES ($1, 'queued', $2)
		ON CONFLICT (id) DO NOTHING`, id, inputJSON)
	if err != nil {
		return fmt.Errorf("create run %s: %w", id, err)
	}
	return nil
}

// UpdateRunStatus moves a run through its lifecycle. Completed and
// failed set completed_at; running sets started_at once.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus, result map[string]any, errorMessage string) error {
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal run result: %w", err)
		}
		resultJSON = data
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2,
		    result = COALESCE($3, result),
		    error_message = NULLIF($4, ''),
		    started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END
		WHERE id = $1`,
		id, string(status), resultJSON, errorMessage)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", fault.ErrNotFound, id)
	}
	s.logger.Info("run status updated", zap.String("run", id), zap.String("status", string(status)))
	return nil
}

// GetRun returns a run row by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, status, input, result, COALESCE(error_message, ''), started_at, completed_at, created_at
		FROM agent_runs WHERE id = $1`, id)

	var r Run
	err := row.Scan(&r.ID, &r.Status, &r.Input, &r.Result, &r.ErrorMessage,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", fault.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

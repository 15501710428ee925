// Package activity is the append-only audit record of runtime events.
// Entries are never mutated or deleted; ordering within a run is by
// timestamp.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/fault"
	"github.com/nidhogg/cortex/internal/store"
)

// StepType classifies a runtime event.
type StepType string

const (
	StepThinking    StepType = "thinking"
	StepAction      StepType = "action"
	StepObservation StepType = "observation"
	StepDecision    StepType = "decision"
	StepError       StepType = "error"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepThinking, StepAction, StepObservation, StepDecision, StepError:
		return true
	}
	return false
}

// Entry is one audit record for a run.
type Entry struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	StepType   StepType        `json:"step_type"`
	Content    string          `json:"content"`
	AgentID    string          `json:"agent_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	TokensUsed int             `json:"tokens_used,omitempty"`
	DurationMS int             `json:"duration_ms,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Log appends entries to the activity record.
type Log struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewLog creates an activity log on the shared connection pool.
func NewLog(base *store.Store, logger *zap.Logger) *Log {
	return &Log{db: base.Pool(), logger: logger}
}

// Append records one entry and returns its ID.
func (l *Log) Append(ctx context.Context, e Entry) (string, error) {
	if e.RunID == "" {
		return "", fmt.Errorf("%w: run id is empty", fault.ErrValidation)
	}
	if !e.StepType.Valid() {
		return "", fmt.Errorf("%w: unknown step type %q", fault.ErrValidation, e.StepType)
	}

	id := uuid.New().String()
	metadata := e.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}

	err := store.WithRetry(ctx, func() error {
		_, execErr := l.db.Exec(ctx, `
			INSERT INTO activity_log
				(id, run_id, step_type, content, agent_id, tool_name, tool_input, tool_output, tokens_used, duration_ms, metadata)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, NULLIF($9, 0), NULLIF($10, 0), $11)`,
			id, e.RunID, string(e.StepType), e.Content, e.AgentID, e.ToolName,
			nilIfEmpty(e.ToolInput), nilIfEmpty(e.ToolOutput), e.TokensUsed, e.DurationMS, metadata,
		)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("append activity entry: %w", err)
	}
	return id, nil
}

// ListByRun returns a run's entries in timestamp order.
func (l *Log) ListByRun(ctx context.Context, runID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(ctx, `
		SELECT id, run_id, step_type, content, COALESCE(agent_id, ''), COALESCE(tool_name, ''),
		       tool_input, tool_output, COALESCE(tokens_used, 0), COALESCE(duration_ms, 0), metadata, created_at
		FROM activity_log
		WHERE run_id = $1
		ORDER BY created_at ASC LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity for run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepType, &e.Content, &e.AgentID, &e.ToolName,
			&e.ToolInput, &e.ToolOutput, &e.TokensUsed, &e.DurationMS, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nilIfEmpty(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// Package approval implements the human-in-the-loop gate. A request is
// pending until a reviewer decides or its deadline passes; all three
// outcomes are terminal. Both review and expiry use conditional
// updates keyed on status='pending', so a request can never be
// observed transitioning twice even with a sweep racing a reviewer.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/fault"
	"github.com/nidhogg/cortex/internal/store"
)

// Gate tracks approval requests on PostgreSQL.
type Gate struct {
	db     *pgxpool.Pool
	logger *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewGate creates an approval gate on the shared connection pool.
func NewGate(base *store.Store, logger *zap.Logger) *Gate {
	return &Gate{db: base.Pool(), logger: logger, now: time.Now}
}

const requestColumns = `id, run_id, COALESCE(requested_by, ''), reason, context, proposed_action,
       status, COALESCE(reviewed_by, ''), COALESCE(review_notes, ''), created_at, reviewed_at, expires_at`

// RequestInput carries a new approval request.
type RequestInput struct {
	RunID          string
	RequestedBy    string
	Reason         string
	Context        map[string]any
	ProposedAction map[string]any
	TTL            time.Duration
}

// Request creates a pending approval request expiring at now + ttl.
func (g *Gate) Request(ctx context.Context, in RequestInput) (*Request, error) {
	if in.RunID == "" {
		return nil, fmt.Errorf("%w: run id is empty", fault.ErrValidation)
	}
	if in.Reason == "" {
		return nil, fmt.Errorf("%w: reason is empty", fault.ErrValidation)
	}
	if in.TTL <= 0 {
		return nil, fmt.Errorf("%w: ttl %v must be positive", fault.ErrValidation, in.TTL)
	}

	contextJSON, err := json.Marshal(orEmpty(in.Context))
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	actionJSON, err := json.Marshal(orEmpty(in.ProposedAction))
	if err != nil {
		return nil, fmt.Errorf("marshal proposed action: %w", err)
	}

	id := uuid.New().String()
	expiresAt := g.now().Add(in.TTL)

	var req *Request
	err = store.WithRetry(ctx, func() error {
		row := g.db.QueryRow(ctx, `
			INSERT INTO approval_requests
				(id, run_id, requested_by, reason, context, proposed_action, status, expires_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, 'pending', $7)
			RETURNING `+requestColumns,
			id, in.RunID, in.RequestedBy, in.Reason, contextJSON, actionJSON, expiresAt,
		)
		var scanErr error
		req, scanErr = scanRequest(row)
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	g.logger.Info("approval requested",
		zap.String("id", req.ID),
		zap.String("run", req.RunID),
		zap.String("reason", req.Reason),
		zap.Time("expires_at", req.ExpiresAt))
	return req, nil
}

// Get returns a request by ID.
func (g *Gate) Get(ctx context.Context, id string) (*Request, error) {
	row := g.db.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval request %s", fault.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request %s: %w", id, err)
	}
	return req, nil
}

// ListPending returns pending requests that have not yet expired,
// newest first.
func (g *Gate) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := g.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM approval_requests
		WHERE status = 'pending' AND expires_at > $1
		ORDER BY created_at DESC LIMIT $2`, g.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// Review decides a pending request. The expiry check happens inside
// the same conditional update as the status transition, so a stale
// request cannot be approved just because the sweep has not run yet.
func (g *Gate) Review(ctx context.Context, id, reviewerID string, decision Decision, notes string) (*Request, error) {
	var target Status
	switch decision {
	case DecisionApprove:
		target = StatusApproved
	case DecisionReject:
		target = StatusRejected
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", fault.ErrValidation, decision)
	}

	now := g.now()
	row := g.db.QueryRow(ctx, `
		UPDATE approval_requests
		SET status = $2, reviewed_by = $3, review_notes = NULLIF($4, ''), reviewed_at = $5
		WHERE id = $1 AND status = 'pending' AND expires_at > $5
		RETURNING `+requestColumns,
		id, string(target), reviewerID, notes, now)

	req, err := scanRequest(row)
	if err == nil {
		g.logger.Info("approval reviewed",
			zap.String("id", req.ID),
			zap.String("status", string(req.Status)),
			zap.String("reviewer", reviewerID))
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("review approval request %s: %w", id, err)
	}

	// The conditional update matched nothing; find out why.
	current, getErr := g.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	switch {
	case current.Status == StatusExpired:
		return nil, fmt.Errorf("%w: approval request %s", fault.ErrExpired, id)
	case current.Status != StatusPending:
		return nil, fmt.Errorf("%w: approval request %s is %s", fault.ErrAlreadyDecided, id, current.Status)
	default:
		// Still pending but past its deadline: expire it now rather
		// than waiting for the sweep.
		g.expireOne(ctx, id, now)
		return nil, fmt.Errorf("%w: approval request %s", fault.ErrExpired, id)
	}
}

// SweepExpired transitions pending requests past their deadline to
// expired, returning how many changed. The conditional update makes
// repeated or concurrent sweeps idempotent.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := g.db.Exec(ctx, `
		UPDATE approval_requests
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired requests: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		g.logger.Info("expired approval requests", zap.Int64("count", n))
		return n, nil
	}
	return 0, nil
}

// AwaitDecision polls until the request reaches a terminal state or
// the caller's timeout elapses. On timeout it returns
// fault.ErrTimedOut without mutating the request, which keeps running
// toward its own expiry independently.
func (g *Gate) AwaitDecision(ctx context.Context, id string, pollInterval, timeout time.Duration) (*Request, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		req, err := g.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return req, nil
		}
		if now := g.now(); now.After(req.ExpiresAt) {
			g.expireOne(ctx, id, now)
			return g.Get(ctx, id)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: no decision on %s within %v", fault.ErrTimedOut, id, timeout)
		case <-ticker.C:
		}
	}
}

// expireOne is the single-row form of the sweep. Losing the race to a
// concurrent reviewer or sweep is fine; the conditional update keeps
// the transition single-shot.
func (g *Gate) expireOne(ctx context.Context, id string, now time.Time) {
	_, err := g.db.Exec(ctx, `
		UPDATE approval_requests
		SET status = 'expired'
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2`, id, now)
	if err != nil {
		g.logger.Warn("failed to expire approval request", zap.String("id", id), zap.Error(err))
	}
}

func scanRequest(row pgx.Row) (*Request, error) {
	var req Request
	err := row.Scan(&req.ID, &req.RunID, &req.RequestedBy, &req.Reason,
		&req.Context, &req.ProposedAction, &req.Status,
		&req.ReviewedBy, &req.ReviewNotes, &req.CreatedAt, &req.ReviewedAt, &req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nidhogg/cortex/internal/fault"
)

// retryPolicy bounds transient-failure retries at the store boundary.
const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxElapsed      = 5 * time.Second
)

// WithRetry runs op with bounded exponential backoff. Only transient
// backend failures are retried; validation, not-found, conflict and
// other domain errors pass through untouched. After exhaustion the
// last error surfaces wrapped in fault.ErrUnavailable, so the caller's
// current super-step aborts without touching checkpoint state.
func WithRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxElapsedTime = retryMaxElapsed

	var lastErr error
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}, backoff.WithContext(bo, ctx))

	if err == nil {
		return nil
	}
	if lastErr != nil && errors.Is(err, lastErr) {
		return fmt.Errorf("%w: %v", fault.ErrUnavailable, err)
	}
	return err
}

// isTransient reports whether an error is worth retrying: context
// deadlines and domain errors are not, connection-level failures are.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, domain := range []error{
		fault.ErrValidation, fault.ErrNotFound, fault.ErrConflict,
		fault.ErrCorruptHistory, fault.ErrExpired, fault.ErrAlreadyDecided,
	} {
		if errors.Is(err, domain) {
			return false
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class 08 is connection exceptions; 57 is operator
		// intervention (shutdown). Everything else is a real failure.
		return pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57"
	}
	// Network-level errors from pgx arrive as plain wrapped errors.
	return pgconn.SafeToRetry(err)
}

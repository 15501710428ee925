package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nidhogg/cortex/internal/fault"
)

func connError() error {
	return &pgconn.PgError{Code: "08006", Message: "connection failure"}
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return connError()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("got %v, want recovery", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
}

func TestWithRetryPassesDomainErrorsThrough(t *testing.T) {
	domainErr := fmt.Errorf("%w: bad input", fault.ErrValidation)
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return domainErr
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("got %v, want the domain error", err)
	}
	if errors.Is(err, fault.ErrUnavailable) {
		t.Errorf("domain error misclassified as unavailable")
	}
	if calls != 1 {
		t.Errorf("domain error retried %d times, want 1 call", calls)
	}
}

func TestWithRetryExhaustionWrapsUnavailable(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the backoff window")
	}
	err := WithRetry(context.Background(), func() error {
		return connError()
	})
	if !errors.Is(err, fault.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable after exhaustion", err)
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		// Cancel while the first backoff sleep is pending.
		cancel()
	}()
	_ = WithRetry(ctx, func() error {
		calls++
		return connError()
	})
	if calls > 2 {
		t.Errorf("op called %d times after cancel", calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"not found", fmt.Errorf("%w: row", fault.ErrNotFound), false},
		{"conflict", fmt.Errorf("%w: append race", fault.ErrConflict), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

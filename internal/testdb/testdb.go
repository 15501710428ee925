// Package testdb spins up throwaway PostgreSQL instances for store
// integration tests. Callers that cannot reach a Docker daemon skip.
package testdb

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/store"
)

// Start launches a PostgreSQL container, applies the repo migrations
// and returns the connected store plus a cleanup func.
func Start(ctx context.Context) (*store.Store, func(), error) {
	container, err := runPostgres(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, nil, fmt.Errorf("pg connection string: %w", err)
	}

	logger := zap.NewNop()
	base, err := store.New(dsn, logger)
	if err != nil {
		container.Terminate(ctx)
		return nil, nil, fmt.Errorf("connect store: %w", err)
	}
	if err := base.Migrate(ctx, migrationsDir()); err != nil {
		base.Close()
		container.Terminate(ctx)
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	cleanup := func() {
		base.Close()
		container.Terminate(ctx)
	}
	return base, cleanup, nil
}

// runPostgres starts the container, converting testcontainers' panic
// when no Docker daemon is reachable into an error so callers can skip.
func runPostgres(ctx context.Context) (c *tcpg.PostgresContainer, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("docker unavailable: %v", r)
		}
	}()
	return tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("cortex_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
}

// migrationsDir resolves the repo's migrations directory relative to
// this source file, so tests work from any package directory.
func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

//go:build e2e

package e2e

import (
	"context"
	"fmt"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/skillgate/internal/gate"
	"github.com/nidhogg/skillgate/internal/permission"
	"github.com/nidhogg/skillgate/internal/ratelimit"
	"github.com/nidhogg/skillgate/internal/resolution"
	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/store"
)

// testKey is a fixed AES-256 key for the encrypted secrets column.
const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testDSN      string
	testPGStore  *store.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("skillgate_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// newGate builds a gate over the built-in manifests, as one skillgate
// process would.
func newGate(limiter ratelimit.Limiter, limits permission.PlatformLimits) (*gate.Gate, error) {
	manifests := skill.NewStore(testLogger)
	if errs := skill.RegisterBuiltins(manifests); len(errs) != 0 {
		return nil, fmt.Errorf("builtins: %v", errs)
	}
	cache, err := resolution.New(permission.NewResolver(limits), resolution.Options{}, testLogger)
	if err != nil {
		return nil, err
	}
	return gate.New(manifests, cache, limiter, nil, testLogger), nil
}

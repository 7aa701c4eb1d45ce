//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/skillgate/internal/store"
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start PostgreSQL
	dsn, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		return 1
	}
	defer pgCleanup()
	testDSN = dsn

	cipher, err := store.NewCipher(testKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cipher: %v\n", err)
		return 1
	}
	testPGStore, err = store.New(dsn, cipher, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		return 1
	}
	defer testPGStore.Close()

	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	// 2. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		return 1
	}
	defer redisCleanup()
	testRedisURL = redisURL

	return m.Run()
}

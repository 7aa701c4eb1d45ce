// Package store persists agent skill configurations. Values of sensitive
// fields are kept apart from the rest and encrypted at rest.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no configuration is stored for an agent's skill.
var ErrNotFound = errors.New("skill config not found")

// ErrOwnerMismatch is returned when a save names a different owner than the
// stored configuration. The first save of a pair fixes its owner.
var ErrOwnerMismatch = errors.New("skill config belongs to another owner")

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	cipher *Cipher
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool. cipher may be nil, in
// which case configurations carrying secrets are refused.
func New(dsn string, cipher *Cipher, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, cipher: cipher, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

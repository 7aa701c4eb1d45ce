// Package bus carries configuration-change signals between skillgate
// processes over a Redis stream, so each process can drop its own cached
// decisions.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Stream is the Redis stream invalidations are appended to.
	Stream = "skillgate:invalidate"
	// maxLen caps the stream; subscribers only tail it.
	maxLen = 10000
)

// Invalidation says an agent's configuration of a skill changed.
type Invalidation struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	AgentID   string    `json:"agent_id"`
	Skill     string    `json:"skill"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes and tails invalidations.
type Bus struct {
	rdb    *redis.Client
	origin string
	logger *zap.Logger
}

// New connects to redisURL.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewFromClient(rdb, logger), nil
}

// NewFromClient wraps an existing client. Each Bus gets its own origin ID.
func NewFromClient(rdb *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, origin: uuid.NewString(), logger: logger}
}

// Origin identifies this process on the stream.
func (b *Bus) Origin() string { return b.origin }

// Publish announces that agentID's configuration of skill changed.
func (b *Bus) Publish(ctx context.Context, agentID, skill string) error {
	msg := Invalidation{
		ID:        uuid.NewString(),
		Origin:    b.origin,
		AgentID:   agentID,
		Skill:     skill,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", Stream, err)
	}

	b.logger.Debug("published invalidation",
		zap.String("agent_id", agentID),
		zap.String("skill", skill))
	return nil
}

// Subscribe tails the stream from now on and calls fn for every
// invalidation published by another process. It blocks until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, fn func(Invalidation)) error {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return nil
		}

		results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{Stream, lastID},
			Count:   64,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				b.logger.Warn("invalidation stream read failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
			continue
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var inv Invalidation
				if err := json.Unmarshal([]byte(data), &inv); err != nil {
					b.logger.Warn("malformed invalidation", zap.String("id", msg.ID), zap.Error(err))
					continue
				}
				if inv.Origin == b.origin {
					continue
				}
				fn(inv)
			}
		}
	}
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	memoryShards  = 32
	sweepInterval = 1024 // acquisitions per shard between sweeps
)

// Memory is an in-process sliding-window log. Keys are spread over shards;
// the shard lock only guards the key map and each key has its own mutex, so
// acquisitions on different keys never wait on each other.
type Memory struct {
	shards [memoryShards]*memShard
	now    func() time.Time
}

type memShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ops     int
}

type bucket struct {
	mu     sync.Mutex
	hits   []time.Time // ascending
	window time.Duration
	dead   bool
}

// NewMemory creates an in-process limiter.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates a limiter reading time from now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := &Memory{now: now}
	for i := range m.shards {
		m.shards[i] = &memShard{buckets: make(map[string]*bucket)}
	}
	return m
}

func (m *Memory) TryAcquire(_ context.Context, k Key, limit *Limit) (Result, error) {
	if limit == nil {
		return unlimited, nil
	}
	if err := limit.check(k); err != nil {
		return Result{}, err
	}
	if limit.Count <= 0 {
		return Result{Allowed: false, RetryAfter: limit.Window}, nil
	}

	id := k.String()
	sh := m.shards[shardOf(id)]
	for {
		b := sh.get(id, m.now())
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		res := b.acquire(m.now(), limit)
		b.mu.Unlock()
		return res, nil
	}
}

func (b *bucket) acquire(now time.Time, limit *Limit) Result {
	b.window = limit.Window
	b.prune(now)
	if len(b.hits) < limit.Count {
		b.hits = append(b.hits, now)
		return Result{Allowed: true, Remaining: limit.Count - len(b.hits)}
	}
	retry := b.hits[len(b.hits)-limit.Count].Add(limit.Window).Sub(now)
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Result{Allowed: false, RetryAfter: retry}
}

// prune drops hits at or before now-window.
func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

func (sh *memShard) get(id string, now time.Time) *bucket {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.ops++
	if sh.ops%sweepInterval == 0 {
		sh.sweep(now)
	}
	b, ok := sh.buckets[id]
	if !ok {
		b = &bucket{}
		sh.buckets[id] = b
	}
	return b
}

// sweep removes keys with no hits left in their window. Callers that
// raced with the removal see the dead flag and look the key up again.
func (sh *memShard) sweep(now time.Time) {
	for id, b := range sh.buckets {
		if !b.mu.TryLock() {
			continue
		}
		b.prune(now)
		if len(b.hits) == 0 {
			b.dead = true
			delete(sh.buckets, id)
		}
		b.mu.Unlock()
	}
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

func shardOf(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % memoryShards)
}

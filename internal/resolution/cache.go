// Package resolution memoizes permission decisions per agent, skill
// configuration and action until the configuration changes.
package resolution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nidhogg/skillgate/internal/permission"
	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/skillconfig"
)

const (
	defaultSize   = 4096
	defaultShards = 16
)

// Resolver computes a decision on a cache miss.
type Resolver interface {
	Resolve(m *skill.Manifest, vc *skillconfig.ValidatedConfig, action string) (permission.Decision, error)
}

// Options sizes the cache. Zero values fall back to defaults.
type Options struct {
	Size   int // total entries across shards
	Shards int
}

// Entry is a cached resolution together with the configuration it was
// resolved from.
type Entry struct {
	Decision permission.Decision
	Config   *skillconfig.ValidatedConfig
}

// Cache is a sharded LRU of decisions. Every entry of one (agent, skill)
// pair lives in the same shard, which also indexes the pair's keys so
// Invalidate drops them without scanning. Errors are never cached.
type Cache struct {
	resolver Resolver
	shards   []*shard
	group    singleflight.Group
	logger   *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

type shard struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, cached]
	index map[string]map[string]struct{} // pair → keys
}

type cached struct {
	pair  string
	entry Entry
}

// New creates a cache in front of resolver.
func New(resolver Resolver, opts Options, logger *zap.Logger) (*Cache, error) {
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	perShard := opts.Size / opts.Shards
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache{resolver: resolver, logger: logger}
	for i := 0; i < opts.Shards; i++ {
		sh := &shard{index: make(map[string]map[string]struct{})}
		l, err := lru.NewWithEvict[string, cached](perShard, sh.evicted)
		if err != nil {
			return nil, fmt.Errorf("create cache shard: %w", err)
		}
		sh.lru = l
		c.shards = append(c.shards, sh)
	}
	return c, nil
}

// GetOrResolve returns the decision for action under an already validated
// configuration.
func (c *Cache) GetOrResolve(agentID string, m *skill.Manifest, vc *skillconfig.ValidatedConfig, action string) (permission.Decision, error) {
	e, err := c.get(agentID, m, "validated:"+vc.Hash(), action, func() (Entry, error) {
		d, err := c.resolver.Resolve(m, vc, action)
		return Entry{Decision: d, Config: vc}, err
	})
	return e.Decision, err
}

// Lookup validates cfg and resolves action on a miss; a hit skips
// validation entirely. A nil cfg is the empty document.
func (c *Cache) Lookup(agentID string, m *skill.Manifest, cfg *skillconfig.Config, action string) (Entry, error) {
	if cfg == nil {
		cfg = skillconfig.FromMap(nil)
	}
	return c.get(agentID, m, "raw:"+cfg.Hash(), action, func() (Entry, error) {
		vc, err := skillconfig.Validate(m, cfg)
		if err != nil {
			return Entry{}, err
		}
		d, err := c.resolver.Resolve(m, vc, action)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Decision: d, Config: vc}, nil
	})
}

func (c *Cache) get(agentID string, m *skill.Manifest, configHash, action string, compute func() (Entry, error)) (Entry, error) {
	pair := pairKey(agentID, m.Name)
	key := entryKey(agentID, m.Name, m.Version, configHash, action)
	sh := c.shardFor(pair)

	sh.mu.Lock()
	v, ok := sh.lru.Get(key)
	sh.mu.Unlock()
	if ok {
		c.hits.Add(1)
		return v.entry.clone(), nil
	}
	c.misses.Add(1)

	res, err, _ := c.group.Do(key, func() (any, error) {
		e, err := compute()
		if err != nil {
			return Entry{}, err
		}
		sh.mu.Lock()
		sh.lru.Add(key, cached{pair: pair, entry: e})
		keys, ok := sh.index[pair]
		if !ok {
			keys = make(map[string]struct{})
			sh.index[pair] = keys
		}
		keys[key] = struct{}{}
		sh.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return res.(Entry).clone(), nil
}

// Invalidate drops every cached decision for the agent's skill. A
// resolution already in flight may still store a result, but under the
// old configuration's key, so it is never served for the new one.
func (c *Cache) Invalidate(agentID, skillName string) int {
	pair := pairKey(agentID, skillName)
	sh := c.shardFor(pair)

	sh.mu.Lock()
	keys := sh.index[pair]
	delete(sh.index, pair)
	for key := range keys {
		sh.lru.Remove(key)
	}
	sh.mu.Unlock()

	if len(keys) > 0 {
		c.logger.Debug("resolution cache invalidated",
			zap.String("agent_id", agentID),
			zap.String("skill", skillName),
			zap.Int("entries", len(keys)))
	}
	return len(keys)
}

// Len is the number of cached decisions.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += sh.lru.Len()
		sh.mu.Unlock()
	}
	return n
}

// Stats reports cumulative hits and misses.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) shardFor(pair string) *shard {
	h := fnv.New32a()
	h.Write([]byte(pair))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// evicted runs with the shard lock held.
func (sh *shard) evicted(key string, v cached) {
	keys, ok := sh.index[v.pair]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(sh.index, v.pair)
	}
}

func (e Entry) clone() Entry {
	e.Decision = e.Decision.Clone()
	return e
}

func pairKey(agentID, skillName string) string {
	return agentID + "\x00" + skillName
}

func entryKey(agentID, skillName, version, configHash, action string) string {
	h := sha256.New()
	for _, part := range []string{agentID, skillName, version, configHash, action} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

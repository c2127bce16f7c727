package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// StaticCache fronts StaticMemory reads with an in-process map (the
// compiler's hot path) and an optional Redis second tier for multi-process
// deployments, per spec §5 ("read-mostly... in-process caching keyed by
// repo; invalidation explicit"). Redis is a best-effort accelerator: a
// Redis outage degrades to the in-process tier plus the underlying repo,
// never to an error.
type StaticCache struct {
	mu    sync.RWMutex
	local map[string]*domain.StaticMemory

	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
}

// NewStaticCache builds a cache. rdb may be nil to run local-only.
func NewStaticCache(rdb *redis.Client, ttl time.Duration, baseLog *logger.Logger) *StaticCache {
	return &StaticCache{
		local: make(map[string]*domain.StaticMemory),
		rdb:   rdb,
		ttl:   ttl,
		log:   baseLog.With("component", "StaticMemoryCache"),
	}
}

// Get returns a cached entry and whether it was found, checking the
// in-process tier first, then Redis.
func (c *StaticCache) Get(ctx context.Context, repo string) (*domain.StaticMemory, bool) {
	c.mu.RLock()
	if m, ok := c.local[repo]; ok {
		c.mu.RUnlock()
		return m, true
	}
	c.mu.RUnlock()

	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, redisKey(repo)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("redis get failed, falling back to repo", "repo", repo, "error", err)
		}
		return nil, false
	}
	var m domain.StaticMemory
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.Warn("redis value unmarshal failed", "repo", repo, "error", err)
		return nil, false
	}
	c.mu.Lock()
	c.local[repo] = &m
	c.mu.Unlock()
	return &m, true
}

// Put populates both tiers after a repo fetch.
func (c *StaticCache) Put(ctx context.Context, m *domain.StaticMemory) {
	if m == nil {
		return
	}
	c.mu.Lock()
	c.local[m.Repo] = m
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(m.Repo), raw, c.ttl).Err(); err != nil {
		c.log.Warn("redis set failed", "repo", m.Repo, "error", err)
	}
}

// Invalidate drops a repo from both tiers; callers must invoke this on any
// StaticMemory write (spec §3 "updates invalidate caches but never rewrite
// past events").
func (c *StaticCache) Invalidate(ctx context.Context, repo string) {
	c.mu.Lock()
	delete(c.local, repo)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, redisKey(repo)).Err(); err != nil {
		c.log.Warn("redis invalidate failed", "repo", repo, "error", err)
	}
}

func redisKey(repo string) string { return "static_memory:" + repo }

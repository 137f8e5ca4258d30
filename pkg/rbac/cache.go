package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ScopeCache is the cache-aside backing for resolved access scopes.
// Get returns (nil, nil) on a miss. Implementations must treat their
// own failures as misses from the caller's point of view: the resolver
// always has the direct computation path to fall back to.
type ScopeCache interface {
	Get(ctx context.Context, userID int64) (*AccessScope, error)
	Set(ctx context.Context, userID int64, scope AccessScope) error
	Invalidate(ctx context.Context, userID int64) error
	InvalidateAll(ctx context.Context) error
}

// cachedScope is the serialized form. TeamIDs marshals as a sorted-free
// id list since struct{} set values do not round-trip through JSON.
type cachedScope struct {
	OrganizationWide bool    `json:"organization_wide"`
	TeamIDs          []int64 `json:"team_ids,omitempty"`
}

func toCached(scope AccessScope) cachedScope {
	c := cachedScope{OrganizationWide: scope.OrganizationWide}
	for id := range scope.TeamIDs {
		c.TeamIDs = append(c.TeamIDs, id)
	}
	return c
}

func fromCached(c cachedScope) AccessScope {
	scope := AccessScope{OrganizationWide: c.OrganizationWide}
	if len(c.TeamIDs) > 0 {
		scope.TeamIDs = make(map[int64]struct{}, len(c.TeamIDs))
		for _, id := range c.TeamIDs {
			scope.TeamIDs[id] = struct{}{}
		}
	}
	return scope
}

// RedisScopeCache caches scopes in Redis with a short TTL.
type RedisScopeCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisScopeCache creates a Redis-backed scope cache.
func NewRedisScopeCache(client *redis.Client, ttl time.Duration) *RedisScopeCache {
	return &RedisScopeCache{client: client, ttl: ttl}
}

func scopeKey(userID int64) string {
	return fmt.Sprintf("rbac:scope:%d", userID)
}

// Get returns the cached scope for userID, or (nil, nil) on a miss.
// A corrupt entry is deleted and treated as a miss.
func (c *RedisScopeCache) Get(ctx context.Context, userID int64) (*AccessScope, error) {
	data, err := c.client.Get(ctx, scopeKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scope cache get: %w", err)
	}

	var cached cachedScope
	if err := json.Unmarshal(data, &cached); err != nil {
		c.client.Del(ctx, scopeKey(userID))
		return nil, nil
	}
	scope := fromCached(cached)
	return &scope, nil
}

// Set stores the scope with the configured TTL.
func (c *RedisScopeCache) Set(ctx context.Context, userID int64, scope AccessScope) error {
	data, err := json.Marshal(toCached(scope))
	if err != nil {
		return fmt.Errorf("scope cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, scopeKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("scope cache set: %w", err)
	}
	return nil
}

// Invalidate removes a single user's cached scope.
func (c *RedisScopeCache) Invalidate(ctx context.Context, userID int64) error {
	if err := c.client.Del(ctx, scopeKey(userID)).Err(); err != nil {
		return fmt.Errorf("scope cache invalidate: %w", err)
	}
	return nil
}

// InvalidateAll removes every cached scope. Used after team mutations,
// which can change the scope of any member or lead of the team.
func (c *RedisScopeCache) InvalidateAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "rbac:scope:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("scope cache invalidate all: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scope cache scan: %w", err)
	}
	return nil
}

// MemoryScopeCache is an in-process scope cache for deployments without
// Redis. Entries expire after the configured TTL.
type MemoryScopeCache struct {
	cache *lru.LRU[int64, cachedScope]
}

// NewMemoryScopeCache creates an in-process cache holding up to size
// entries with the given TTL.
func NewMemoryScopeCache(size int, ttl time.Duration) *MemoryScopeCache {
	return &MemoryScopeCache{cache: lru.NewLRU[int64, cachedScope](size, nil, ttl)}
}

// Get returns the cached scope, or (nil, nil) on a miss.
func (c *MemoryScopeCache) Get(_ context.Context, userID int64) (*AccessScope, error) {
	cached, ok := c.cache.Get(userID)
	if !ok {
		return nil, nil
	}
	scope := fromCached(cached)
	return &scope, nil
}

// Set stores the scope.
func (c *MemoryScopeCache) Set(_ context.Context, userID int64, scope AccessScope) error {
	c.cache.Add(userID, toCached(scope))
	return nil
}

// Invalidate removes a single user's cached scope.
func (c *MemoryScopeCache) Invalidate(_ context.Context, userID int64) error {
	c.cache.Remove(userID)
	return nil
}

// InvalidateAll clears the cache.
func (c *MemoryScopeCache) InvalidateAll(_ context.Context) error {
	c.cache.Purge()
	return nil
}

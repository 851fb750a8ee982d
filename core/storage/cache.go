package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/botmata/botmata/core/logger"
)

// Cache categories. Invalidation is scoped to one (bot, category) pair
// so an edit to rules does not evict env vars and vice versa.
const (
	CategoryRules   = "rules"
	CategoryEnvVars = "env_vars"
	CategoryStates  = "states"
)

type cacheKey struct {
	botID    int64
	category string
}

// botCache memoizes per-bot read models between invalidations. Values
// are stored as loaded; callers must not mutate what they get back.
type botCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]any
}

func newBotCache() *botCache {
	return &botCache{entries: make(map[cacheKey]any)}
}

func (c *botCache) get(ctx context.Context, botID int64, category string) (any, bool) {
	c.mu.RLock()
	v, ok := c.entries[cacheKey{botID: botID, category: category}]
	c.mu.RUnlock()
	if logger.ShouldSampleDebug() {
		state := "miss"
		if ok {
			state = "hit"
		}
		logger.Debug(ctx, "store", "cache.lookup",
			slog.Int64("bot_id", botID),
			slog.String("cache", state),
			slog.String("payload", category),
		)
	}
	return v, ok
}

func (c *botCache) put(botID int64, category string, v any) {
	c.mu.Lock()
	c.entries[cacheKey{botID: botID, category: category}] = v
	c.mu.Unlock()
}

// invalidate drops the cached value for one (bot, category) pair.
func (c *botCache) invalidate(ctx context.Context, botID int64, category string) {
	c.mu.Lock()
	delete(c.entries, cacheKey{botID: botID, category: category})
	c.mu.Unlock()
	logger.Debug(ctx, "store", "cache.lookup",
		slog.Int64("bot_id", botID),
		slog.String("cache", "invalidate"),
		slog.String("payload", category),
	)
}

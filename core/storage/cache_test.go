package storage

import (
	"context"
	"sync"
	"testing"
)

func TestBotCachePutGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newBotCache()

	if _, ok := c.get(ctx, 1, CategoryRules); ok {
		t.Fatal("fresh cache must miss")
	}

	c.put(1, CategoryRules, []string{"a", "b"})
	v, ok := c.get(ctx, 1, CategoryRules)
	if !ok {
		t.Fatal("expected hit after put")
	}
	if got := v.([]string); len(got) != 2 || got[0] != "a" {
		t.Fatalf("cached value = %v", got)
	}

	c.invalidate(ctx, 1, CategoryRules)
	if _, ok := c.get(ctx, 1, CategoryRules); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestBotCacheScopesByBotAndCategory(t *testing.T) {
	ctx := context.Background()
	c := newBotCache()

	c.put(1, CategoryRules, "rules-1")
	c.put(1, CategoryEnvVars, "env-1")
	c.put(2, CategoryRules, "rules-2")

	c.invalidate(ctx, 1, CategoryRules)

	if _, ok := c.get(ctx, 1, CategoryRules); ok {
		t.Fatal("invalidated entry must miss")
	}
	if v, ok := c.get(ctx, 1, CategoryEnvVars); !ok || v != "env-1" {
		t.Fatalf("other category evicted: %v %v", v, ok)
	}
	if v, ok := c.get(ctx, 2, CategoryRules); !ok || v != "rules-2" {
		t.Fatalf("other bot evicted: %v %v", v, ok)
	}
}

func TestBotCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := newBotCache()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(botID int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.put(botID, CategoryStates, j)
				c.get(ctx, botID, CategoryStates)
				c.invalidate(ctx, botID, CategoryStates)
			}
		}(int64(i % 4))
	}
	wg.Wait()
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestFingerprintIsStableAndTierSensitive(t *testing.T) {
	a := Fingerprint(gwtypes.TierFree, "What is a cache?")
	b := Fingerprint(gwtypes.TierFree, "  what   IS a cache?  ")
	c := Fingerprint(gwtypes.TierPremium, "What is a cache?")

	assert.Equal(t, a, b, "normalization should make whitespace/case-insensitive prompts collide")
	assert.NotEqual(t, a, c, "tier must be part of the fingerprint")
}

func TestPutThenGetExactHit(t *testing.T) {
	c := New(DefaultConfig(), newTestRedis(t))
	fp := Fingerprint(gwtypes.TierFree, "explain caching")
	entry := gwtypes.CacheEntry{Fingerprint: fp, Tier: gwtypes.TierFree, Answer: gwtypes.SynthesizedAnswer{Text: "a cache stores values"}}

	require.NoError(t, c.Put(context.Background(), entry, 0.8))

	got, ok := c.Get(context.Background(), fp)
	require.True(t, ok)
	assert.Equal(t, "a cache stores values", got.Answer.Text)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(DefaultConfig(), newTestRedis(t))
	_, ok := c.Get(context.Background(), "nonexistent-fingerprint")
	assert.False(t, ok)
}

func TestTTLScalesWithQuality(t *testing.T) {
	c := New(DefaultConfig(), nil)
	low := c.TTLForQuality(0)
	high := c.TTLForQuality(1)
	assert.Equal(t, c.cfg.MinTTL, low)
	assert.Equal(t, c.cfg.MaxTTL, high)
	assert.Less(t, low, high)
}

func TestL1OnlyModeWithNilRedis(t *testing.T) {
	c := New(DefaultConfig(), nil)
	fp := Fingerprint(gwtypes.TierFree, "degrade gracefully")
	entry := gwtypes.CacheEntry{Fingerprint: fp, Tier: gwtypes.TierFree, Answer: gwtypes.SynthesizedAnswer{Text: "memory-only answer"}}
	require.NoError(t, c.Put(context.Background(), entry, 0.5))

	got, ok := c.Get(context.Background(), fp)
	require.True(t, ok)
	assert.Equal(t, "memory-only answer", got.Answer.Text)
}

func TestFindSimilarReturnsApproximateHitAboveThreshold(t *testing.T) {
	c := New(DefaultConfig(), nil)
	fp := Fingerprint(gwtypes.TierFree, "what is a binary search tree")
	entry := gwtypes.CacheEntry{
		Fingerprint: fp, Tier: gwtypes.TierFree,
		Answer: gwtypes.SynthesizedAnswer{Text: "a bst stores ordered values"},
	}
	require.NoError(t, c.Put(context.Background(), entry, 0.8))

	match, ok := c.FindSimilar(gwtypes.TierFree, "what is a binary search tree?")
	require.True(t, ok)
	assert.Equal(t, entry.Answer.Text, match.Answer.Text)
}

func TestFindSimilarRejectsBelowThreshold(t *testing.T) {
	c := New(DefaultConfig(), nil)
	fp := Fingerprint(gwtypes.TierFree, "what is a binary search tree")
	entry := gwtypes.CacheEntry{Fingerprint: fp, Tier: gwtypes.TierFree, Answer: gwtypes.SynthesizedAnswer{Text: "x"}}
	require.NoError(t, c.Put(context.Background(), entry, 0.5))

	_, ok := c.FindSimilar(gwtypes.TierFree, "completely unrelated prompt about cooking pasta")
	assert.False(t, ok)
}

func TestL1EvictsOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.L1MaxEntries = 2
	c := New(cfg, nil)

	for i := 0; i < 5; i++ {
		fp := Fingerprint(gwtypes.TierFree, string(rune('a'+i)))
		entry := gwtypes.CacheEntry{Fingerprint: fp, Tier: gwtypes.TierFree, Answer: gwtypes.SynthesizedAnswer{Text: "x"}}
		require.NoError(t, c.Put(context.Background(), entry, 0.5))
	}

	assert.LessOrEqual(t, len(c.l1), cfg.L1MaxEntries)
	assert.GreaterOrEqual(t, c.Metrics().Evictions, int64(3))
}

func TestExpiredEntryIsTreatedAsMiss(t *testing.T) {
	c := New(DefaultConfig(), nil)
	fp := Fingerprint(gwtypes.TierFree, "expiring entry")
	entry := gwtypes.CacheEntry{
		Fingerprint: fp, Tier: gwtypes.TierFree,
		Answer:    gwtypes.SynthesizedAnswer{Text: "stale"},
		CreatedAt: time.Now().Add(-10 * time.Hour),
	}
	c.mu.Lock()
	c.l1Put(entry)
	c.mu.Unlock()

	_, ok := c.Get(context.Background(), fp)
	assert.False(t, ok)
}

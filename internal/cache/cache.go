// Package cache implements the Response Cache from spec §4.10: an
// L1 in-process, L2-Redis tiered cache keyed by sha256(tier || normalized
// prompt), with quality-scaled TTL, popularity-adjusted-recency eviction,
// and a secondary semantic-similarity lookup over keyword-set Jaccard
// similarity. Grounded on internal/cache/tiered_cache.go's L1+L2 shape
// (metrics struct, promote-to-L1-on-L2-hit, exact-hit path) generalized
// to the gateway's CacheEntry and similarity fallback; library
// github.com/redis/go-redis/v9.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

// Config tunes the Response Cache's behavior.
type Config struct {
	L1MaxEntries        int
	BaseTTL             time.Duration
	MinTTL              time.Duration
	MaxTTL              time.Duration
	SimilarityThreshold float64
	KeyPrefix           string
}

// DefaultConfig matches spec §4.10's defaults.
func DefaultConfig() Config {
	return Config{
		L1MaxEntries:        5000,
		BaseTTL:             2 * time.Hour,
		MinTTL:              1 * time.Hour,
		MaxTTL:              3 * time.Hour,
		SimilarityThreshold: 0.85,
		KeyPrefix:           "ensemblegateway:response:",
	}
}

// Metrics tracks hit/miss counters, mirroring the donor's
// TieredCacheMetrics shape.
type Metrics struct {
	mu             sync.Mutex
	L1Hits         int64
	L1Misses       int64
	L2Hits         int64
	L2Misses       int64
	SimilarityHits int64
	Evictions      int64
}

func (m *Metrics) incr(counter *int64) {
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		L1Hits: m.L1Hits, L1Misses: m.L1Misses,
		L2Hits: m.L2Hits, L2Misses: m.L2Misses,
		SimilarityHits: m.SimilarityHits, Evictions: m.Evictions,
	}
}

type l1Node struct {
	entry       gwtypes.CacheEntry
	fingerprint string
	lastAccess  time.Time
	hitCount    int64
}

// Cache is the Response Cache: L1 in-process + optional L2 Redis,
// content-addressed by Fingerprint.
type Cache struct {
	cfg     Config
	redis   *redis.Client
	metrics *Metrics

	mu  sync.Mutex
	l1  map[string]*list.Element
	lru *list.List // front = most-recently-used
}

// New builds a Cache. redisClient may be nil, in which case the cache
// runs L1-only (per spec §6's "degrades to in-memory-only" rule).
func New(cfg Config, redisClient *redis.Client) *Cache {
	return &Cache{
		cfg:     cfg,
		redis:   redisClient,
		metrics: &Metrics{},
		l1:      make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Fingerprint computes sha256(tier || normalized_prompt) per spec §4.10.
func Fingerprint(tier gwtypes.Tier, prompt string) string {
	normalized := normalizePrompt(prompt)
	sum := sha256.Sum256([]byte(string(tier) + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

var whitespacePattern = regexp.MustCompile(`\s+`)

func normalizePrompt(prompt string) string {
	return whitespacePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(prompt)), " ")
}

func keywordSet(prompt string) map[string]struct{} {
	fields := strings.Fields(normalizePrompt(prompt))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// TTLForQuality implements the quality-scaled TTL rule from spec §4.10:
// base 2h, range 1-3h.
func (c *Cache) TTLForQuality(quality float64) time.Duration {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	span := c.cfg.MaxTTL - c.cfg.MinTTL
	return c.cfg.MinTTL + time.Duration(float64(span)*quality)
}

// Put stores entry in both L1 and (if configured) L2, keyed by
// entry.Fingerprint, with a TTL scaled by the answer's quality.
func (c *Cache) Put(ctx context.Context, entry gwtypes.CacheEntry, quality float64) error {
	entry.TTL = c.TTLForQuality(quality)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.KeywordSet == nil {
		entry.KeywordSet = keywordSet(entry.Answer.Text)
	}

	c.mu.Lock()
	c.l1Put(entry)
	c.mu.Unlock()

	if c.redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal cache entry: %w", err)
		}
		if err := c.redis.Set(ctx, c.cfg.KeyPrefix+entry.Fingerprint, data, entry.TTL).Err(); err != nil {
			return fmt.Errorf("l2 set: %w", err)
		}
	}
	return nil
}

// Get looks up fingerprint, checking L2 first then L1, per spec §4.10
// ("on miss at external store, check local"). A true bool indicates an
// exact hit.
func (c *Cache) Get(ctx context.Context, fingerprint string) (gwtypes.CacheEntry, bool) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, c.cfg.KeyPrefix+fingerprint).Bytes()
		if err == nil {
			var entry gwtypes.CacheEntry
			if json.Unmarshal(data, &entry) == nil {
				c.metrics.incr(&c.metrics.L2Hits)
				c.mu.Lock()
				c.l1Put(entry)
				c.mu.Unlock()
				return entry, true
			}
		} else {
			c.metrics.incr(&c.metrics.L2Misses)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.l1[fingerprint]
	if !ok {
		c.metrics.incr(&c.metrics.L1Misses)
		return gwtypes.CacheEntry{}, false
	}
	node := elem.Value.(*l1Node)
	if time.Since(node.entry.CreatedAt) > node.entry.TTL {
		c.lru.Remove(elem)
		delete(c.l1, fingerprint)
		c.metrics.incr(&c.metrics.L1Misses)
		return gwtypes.CacheEntry{}, false
	}
	node.lastAccess = time.Now()
	node.hitCount++
	c.lru.MoveToFront(elem)
	c.metrics.incr(&c.metrics.L1Hits)
	return node.entry, true
}

// FindSimilar performs the secondary semantic-similarity lookup from spec
// §4.10: compares prompt's keyword set against every cached entry's
// keyword set and returns the best match above the configured threshold.
// Exact hits via Get must always be tried first by the caller.
func (c *Cache) FindSimilar(tier gwtypes.Tier, prompt string) (gwtypes.CacheEntry, bool) {
	target := keywordSet(prompt)

	c.mu.Lock()
	defer c.mu.Unlock()

	var best gwtypes.CacheEntry
	bestScore := c.cfg.SimilarityThreshold
	found := false
	for e := c.lru.Front(); e != nil; e = e.Next() {
		node := e.Value.(*l1Node)
		if node.entry.Tier != tier {
			continue
		}
		if time.Since(node.entry.CreatedAt) > node.entry.TTL {
			continue
		}
		score := jaccard(target, node.entry.KeywordSet)
		if score > bestScore {
			bestScore = score
			best = node.entry
			found = true
		}
	}
	if found {
		c.metrics.incr(&c.metrics.SimilarityHits)
	}
	return best, found
}

// l1Put inserts or refreshes an entry in L1, evicting the
// least-recently-used, popularity-adjusted entry when over capacity.
// Caller must hold c.mu.
func (c *Cache) l1Put(entry gwtypes.CacheEntry) {
	if elem, ok := c.l1[entry.Fingerprint]; ok {
		node := elem.Value.(*l1Node)
		node.entry = entry
		c.lru.MoveToFront(elem)
		return
	}

	node := &l1Node{entry: entry, fingerprint: entry.Fingerprint, lastAccess: time.Now()}
	elem := c.lru.PushFront(node)
	c.l1[entry.Fingerprint] = elem

	for len(c.l1) > c.cfg.L1MaxEntries {
		c.evictOne()
	}
}

// evictOne removes the entry with the highest eviction score: seconds
// since its last access divided by (1 + the entry's PopularityScore).
// PopularityScore is taken from the stored entry as given; cache hits do
// not change it. Caller must hold c.mu.
func (c *Cache) evictOne() {
	var victim *list.Element
	var worstScore float64
	first := true
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		node := e.Value.(*l1Node)
		age := time.Since(node.lastAccess).Seconds()
		score := age / (1 + node.entry.PopularityScore)
		if first || score > worstScore {
			worstScore = score
			victim = e
			first = false
		}
	}
	if victim != nil {
		node := victim.Value.(*l1Node)
		delete(c.l1, node.fingerprint)
		c.lru.Remove(victim)
		c.metrics.incr(&c.metrics.Evictions)
	}
}

// Metrics exposes the cache's running counters.
func (c *Cache) Metrics() Metrics {
	return c.metrics.Snapshot()
}

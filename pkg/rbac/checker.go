package rbac

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const decisionCacheType = "decision"

// CheckerConfig sizes the decision cache. A non-positive Size or TTL
// disables caching.
type CheckerConfig struct {
	Size int
	TTL  time.Duration
}

// DefaultCheckerConfig returns a 10k entry cache with a one minute TTL.
// The cache cannot see UserDirectory changes: a deactivated user keeps any
// cached allow until the TTL unless the caller invokes
// Checker.InvalidateUser.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{Size: 10000, TTL: time.Minute}
}

// CacheStats reports decision cache usage.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

type cachedDecision struct {
	decision  *Decision
	expiresAt time.Time
}

// Checker is a read-through decision cache in front of a Resolver.
// Concurrent identical checks are collapsed into one resolution. Entries
// live until the cache TTL or the decision's ValidUntil, whichever is first,
// and are dropped when a mutation touches the user.
//
// Requests that carry an explicit Now bypass the cache.
type Checker struct {
	*core
	resolver *Resolver
	cache    *lru.LRU[string, *cachedDecision]
	ttl      time.Duration
	group    singleflight.Group

	mu          sync.Mutex
	generations map[string]uint64
	epoch       uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewChecker wraps resolver with a cache sized by config.
func NewChecker(resolver *Resolver, config CheckerConfig) *Checker {
	c := &Checker{
		core:        resolver.core,
		resolver:    resolver,
		ttl:         config.TTL,
		generations: make(map[string]uint64),
	}
	if config.Size > 0 && config.TTL > 0 {
		c.cache = lru.NewLRU[string, *cachedDecision](config.Size, func(string, *cachedDecision) {
			c.metrics.RecordCacheEviction(decisionCacheType, "evicted")
		}, config.TTL)
	}
	return c
}

// Enabled reports whether decisions are cached.
func (c *Checker) Enabled() bool {
	return c.cache != nil
}

// Resolve implements PermissionResolver. Every call, cached or not, emits a
// permission log record.
func (c *Checker) Resolve(ctx context.Context, req Request) (*Decision, error) {
	if c.cache == nil || !req.Now.IsZero() {
		return c.resolver.Resolve(ctx, req)
	}

	key := c.key(&req)
	now := c.now()
	if entry, ok := c.cache.Get(key); ok {
		if now.Before(entry.expiresAt) {
			c.hits.Add(1)
			c.metrics.RecordCacheLookup(decisionCacheType, true)
			c.otel.RecordCacheLookup(ctx, true)
			dec := copyDecision(entry.decision)
			dec.EvaluatedAt = now
			c.recordDecision(ctx, &req, dec)
			return dec, nil
		}
		c.cache.Remove(key)
		c.metrics.RecordCacheEviction(decisionCacheType, "valid_until")
	}
	c.misses.Add(1)
	c.metrics.RecordCacheLookup(decisionCacheType, false)
	c.otel.RecordCacheLookup(ctx, false)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		dec, err := c.resolver.decide(ctx, &req)
		if err != nil {
			return nil, err
		}
		expiresAt := dec.EvaluatedAt.Add(c.ttl)
		if dec.ValidUntil != nil && dec.ValidUntil.Before(expiresAt) {
			expiresAt = *dec.ValidUntil
		}
		c.cache.Add(key, &cachedDecision{decision: dec, expiresAt: expiresAt})
		return dec, nil
	})
	if err != nil {
		return nil, err
	}
	dec := copyDecision(v.(*Decision))
	c.recordDecision(ctx, &req, dec)
	return dec, nil
}

// key identifies a request under the user's current cache generation. A
// bumped generation makes every older key unreachable.
func (c *Checker) key(req *Request) string {
	c.mu.Lock()
	gen := c.generations[req.UserID]
	epoch := c.epoch
	c.mu.Unlock()

	var b strings.Builder
	b.WriteString(req.UserID)
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatUint(epoch, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(gen, 10))
	b.WriteByte('\x00')
	b.WriteString(req.ResourceType)
	b.WriteByte('\x00')
	b.WriteString(string(req.Action))
	b.WriteByte('\x00')
	b.WriteString(req.ResourceID)
	if len(req.Attributes) > 0 {
		// encoding/json sorts map keys, so equal attribute sets share a key.
		attrs, err := json.Marshal(req.Attributes)
		if err != nil {
			attrs = []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
		}
		b.WriteByte('\x00')
		b.Write(attrs)
	}
	return b.String()
}

// InvalidateUser implements Invalidator.
func (c *Checker) InvalidateUser(userID string) {
	c.mu.Lock()
	c.generations[userID]++
	c.mu.Unlock()
}

// InvalidateAll implements Invalidator.
func (c *Checker) InvalidateAll() {
	c.mu.Lock()
	c.epoch++
	c.generations = make(map[string]uint64)
	c.mu.Unlock()
	if c.cache != nil {
		c.cache.Purge()
	}
}

// Stats reports hit and miss counts since creation.
func (c *Checker) Stats() CacheStats {
	stats := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if c.cache != nil {
		stats.Entries = c.cache.Len()
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func copyDecision(d *Decision) *Decision {
	out := *d
	out.Chain = append([]string(nil), d.Chain...)
	out.ValidUntil = copyTime(d.ValidUntil)
	return &out
}

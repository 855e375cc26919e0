// Package querycache is a bucketed TTL cache in front of the catalog's GraphQL
// transport. Buckets are independent key spaces; a call without a known bucket
// goes straight to the network.
package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/services/bff/internal/metrics"
)

// Bucket names.
const (
	BucketTrending = "trending"
	BucketSearch   = "search"
	BucketDetails  = "details"
	BucketBatch    = "batch"
)

// Buckets lists every bucket, in a stable order.
var Buckets = []string{BucketTrending, BucketSearch, BucketDetails, BucketBatch}

const DefaultTTL = 300 * time.Second

// IsBucket reports whether name is a known bucket.
func IsBucket(name string) bool {
	for _, b := range Buckets {
		if b == name {
			return true
		}
	}
	return false
}

// Entry is a cached query result.
type Entry struct {
	Data       json.RawMessage
	InsertedAt time.Time
}

// Predicate selects entries for invalidation. A nil Predicate matches everything.
type Predicate func(key string, e Entry) bool

// Store holds entries per bucket. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, bucket, key string) (Entry, bool, error)
	Set(ctx context.Context, bucket, key string, e Entry, ttl time.Duration) error
	Invalidate(ctx context.Context, bucket string, match Predicate) (int, error)
	Clear(ctx context.Context, buckets ...string) error
}

// Transport performs the uncached GraphQL call.
type Transport interface {
	Do(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error)
}

// Options controls a single Fetch.
type Options struct {
	Bucket      string
	BypassCache bool
	// TTL overrides the cache default when positive.
	TTL time.Duration
}

type Cache struct {
	store     Store
	transport Transport
	ttl       time.Duration
	now       func() time.Time
	metrics   metrics.Recorder
	log       *zap.Logger
}

type Option func(*Cache)

func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = metrics.OrNop(m) }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// New builds a Cache backed by an in-memory store unless WithStore says otherwise.
func New(t Transport, opts ...Option) *Cache {
	c := &Cache{
		transport: t,
		ttl:       DefaultTTL,
		now:       time.Now,
		metrics:   metrics.Nop{},
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	return c
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Key is the deterministic cache key for (query, variables).
func Key(query string, variables map[string]any) (string, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	b, err := json.Marshal(struct {
		Q string         `json:"q"`
		V map[string]any `json:"v"`
	}{query, variables})
	if err != nil {
		return "", fmt.Errorf("querycache: key: %w", err)
	}
	return string(b), nil
}

// Fetch returns the data for (query, variables), from the bucket when a fresh
// entry exists and from the transport otherwise. Failed calls are never cached.
// Identical concurrent misses each reach the transport.
func (c *Cache) Fetch(ctx context.Context, query string, variables map[string]any, opts Options) (json.RawMessage, error) {
	key, err := Key(query, variables)
	if err != nil {
		return nil, err
	}
	ttl := c.ttl
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	cacheable := IsBucket(opts.Bucket)

	if cacheable && !opts.BypassCache {
		e, ok, err := c.store.Get(ctx, opts.Bucket, key)
		switch {
		case err != nil:
			c.log.Warn("query cache read failed", zap.String("bucket", opts.Bucket), zap.Error(err))
		case ok && c.now().Sub(e.InsertedAt) < ttl:
			c.metrics.RecordCacheHit(opts.Bucket)
			return e.Data, nil
		}
		c.metrics.RecordCacheMiss(opts.Bucket)
	}

	data, err := c.transport.Do(ctx, query, variables)
	if err != nil {
		if cacheable {
			c.metrics.RecordCacheError(opts.Bucket)
		}
		return nil, err
	}

	if cacheable {
		e := Entry{Data: data, InsertedAt: c.now()}
		if err := c.store.Set(ctx, opts.Bucket, key, e, ttl); err != nil {
			c.log.Warn("query cache write failed", zap.String("bucket", opts.Bucket), zap.Error(err))
		}
	}
	return data, nil
}

// Invalidate removes the entries of bucket matched by match and returns how many
// were removed. An empty bucket is a no-op.
func (c *Cache) Invalidate(ctx context.Context, bucket string, match Predicate) int {
	if bucket == "" {
		return 0
	}
	n, err := c.store.Invalidate(ctx, bucket, match)
	if err != nil {
		c.log.Warn("query cache invalidate failed", zap.String("bucket", bucket), zap.Error(err))
	}
	return n
}

// Clear empties the given buckets, or all of them when none are given.
func (c *Cache) Clear(ctx context.Context, buckets ...string) {
	if len(buckets) == 0 {
		buckets = Buckets
	}
	if err := c.store.Clear(ctx, buckets...); err != nil {
		c.log.Warn("query cache clear failed", zap.Strings("buckets", buckets), zap.Error(err))
	}
}

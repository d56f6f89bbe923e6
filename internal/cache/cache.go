// Package cache is the public entry point of the engine: it composes the
// codec, the record store, the quota manager, and the sync queue into the
// set/get/remove surface with TTL semantics and cache-or-fetch coordination.
//
// The cache is an optimization, never a source of truth. Read and write
// failures on the cache path degrade to misses and no-ops; only sync-queue
// failures are surfaced loudly, since a silently lost queued action is a
// correctness gap.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aircache/aircache/internal/codec"
	"github.com/aircache/aircache/internal/config"
	"github.com/aircache/aircache/internal/keys"
	"github.com/aircache/aircache/internal/observability"
	"github.com/aircache/aircache/internal/quota"
	"github.com/aircache/aircache/internal/store"
	"github.com/aircache/aircache/internal/syncqueue"
)

// fetchRetries caps the backoff retries around a remote fetch in GetOrFetch.
const fetchRetries = 3

// Options control one write. A nil *Options uses the configured defaults.
type Options struct {
	TTL      time.Duration // Zero means the configured default.
	Compress bool
	Encrypt  bool
	TypeTag  string // Empty means the configured default.
}

// FetchFunc retrieves a payload from the remote source on a cache miss.
// The cache treats it as opaque: bytes or failure.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Stats is a point-in-time view of the cache and queue.
type Stats struct {
	Records      int              `json:"records"`
	LiveBytes    int64            `json:"live_bytes"`
	QuotaBytes   int64            `json:"quota_bytes"`
	QueuePending int              `json:"queue_pending"`
	HitRate      float64          `json:"hit_rate"`
	Counters     map[string]int64 `json:"counters"`
}

// Cache composes the engine's components. All dependencies are injected;
// there is no global state.
type Cache struct {
	cfg     config.Config
	store   store.Store
	queue   *syncqueue.Queue
	codec   *codec.Codec
	quota   *quota.Manager
	log     *observability.Logger
	metrics *observability.MetricsCollector

	// now is the wall clock; tests override it to simulate elapsed time.
	now func() time.Time

	// newBackoff builds the retry policy for GetOrFetch; tests override it
	// to avoid real sleeps.
	newBackoff func(ctx context.Context) backoff.BackOff
}

// New creates a cache from explicit components.
func New(cfg config.Config, s store.Store, q *syncqueue.Queue, cd *codec.Codec, log *observability.Logger) *Cache {
	if log == nil {
		log = observability.NewLogger("cache", nil)
	}
	return &Cache{
		cfg:     cfg,
		store:   s,
		queue:   q,
		codec:   cd,
		quota:   quota.New(cfg.QuotaBytes),
		log:     log,
		metrics: observability.NewMetricsCollector(0),
		now:     func() time.Time { return time.Now().UTC() },
		newBackoff: func(ctx context.Context) backoff.BackOff {
			return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fetchRetries), ctx)
		},
	}
}

// Open wires up a cache under cfg.DataDir: the SQLite record store, the
// sync queue (sharing the same database file, separate table), and the
// codec keyed by the installation key. A store that cannot be opened fails
// construction — an unusable queue must never lose actions silently.
func Open(cfg config.Config, kp keys.Provider, log *observability.Logger) (*Cache, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.CachePath())
	if err != nil {
		return nil, err
	}
	q, err := syncqueue.NewWithDB(s.DB())
	if err != nil {
		s.Close()
		return nil, err
	}

	key, err := kp.GetOrCreate()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	cd, err := codec.New(key)
	if err != nil {
		s.Close()
		return nil, err
	}

	return New(cfg, s, q, cd, log), nil
}

// options fills zero values with the configured defaults.
func (c *Cache) options(opts *Options) Options {
	if opts == nil {
		opts = &Options{
			Compress: c.cfg.Compress,
			Encrypt:  c.cfg.Encrypt,
		}
	}
	out := *opts
	if out.TTL <= 0 {
		out.TTL = c.cfg.DefaultTTLDuration()
	}
	if out.TypeTag == "" {
		out.TypeTag = c.cfg.TypeTag
	}
	return out
}

// Set serializes value to JSON and stores it under key. Failures are soft:
// the error is returned for visibility but the caller may ignore it, since
// the cache is best-effort.
func (c *Cache) Set(ctx context.Context, key string, value any, opts *Options) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize value for %q: %w", key, err)
	}
	return c.SetBytes(ctx, key, data, opts)
}

// SetBytes stores a raw payload under key: codec transforms per options,
// then a store put, then a synchronous quota check so the store never grows
// unbounded between writes.
func (c *Cache) SetBytes(ctx context.Context, key string, data []byte, opts *Options) error {
	o := c.options(opts)

	payload, err := c.codec.Encode(data, o.Compress, o.Encrypt)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	rec := store.Record{
		Key:        key,
		Payload:    payload,
		CreatedAt:  c.now(),
		TTL:        o.TTL,
		TypeTag:    o.TypeTag,
		Compressed: o.Compress,
		Encrypted:  o.Encrypt,
	}
	if err := c.store.Put(ctx, rec); err != nil {
		c.metrics.Increment(observability.CounterWriteFailures)
		c.log.Warn("cache write failed", "key", key, "error", err)
		return err
	}

	res, err := c.quota.CheckAndEvict(ctx, c.store, c.now())
	if err != nil {
		c.log.Warn("quota sweep failed", "error", err)
		return nil // The write itself succeeded.
	}
	if res.Evicted > 0 {
		c.metrics.IncrementBy(observability.CounterEvictions, int64(res.Evicted))
		c.log.CacheEvent("evicted", key, "count", res.Evicted, "live_bytes", res.TotalBytes)
	}
	if res.Reaped > 0 {
		c.metrics.IncrementBy(observability.CounterExpirations, int64(res.Reaped))
	}
	return nil
}

// GetBytes returns the decoded payload for key, or ok=false on a miss.
// Expired and corrupt records are deleted and reported as misses; no
// storage or codec failure escapes to the caller.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, bool) {
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed", "key", key, "error", err)
		c.metrics.Increment(observability.CounterMisses)
		return nil, false
	}
	if rec == nil {
		c.metrics.Increment(observability.CounterMisses)
		return nil, false
	}

	if rec.Expired(c.now()) {
		// Lazy expiry: first read past the deadline removes the record.
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Warn("expired record cleanup failed", "key", key, "error", err)
		}
		c.metrics.Increment(observability.CounterExpirations)
		c.metrics.Increment(observability.CounterMisses)
		c.log.CacheEvent("expired", key, "ttl_ms", rec.TTL.Milliseconds())
		return nil, false
	}

	data, err := c.codec.Decode(rec.Payload, rec.Compressed, rec.Encrypted)
	if err != nil {
		// Bit-rot or a rotated key. A corrupt entry is equivalent to a
		// miss; keeping it would fail every future read too.
		if derr := c.store.Delete(ctx, key); derr != nil {
			c.log.Warn("corrupt record cleanup failed", "key", key, "error", derr)
		}
		c.metrics.Increment(observability.CounterCorruptDrops)
		c.metrics.Increment(observability.CounterMisses)
		c.log.Warn("corrupt cache record dropped", "key", key, "error", err)
		return nil, false
	}

	c.metrics.Increment(observability.CounterHits)
	return data, true
}

// Get retrieves and JSON-decodes the value stored under key into out.
// ok=false is a miss (absent, expired, or corrupt). The returned error is
// non-nil only when the stored payload does not decode into out.
func (c *Cache) Get(ctx context.Context, key string, out any) (bool, error) {
	data, ok := c.GetBytes(ctx, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode value for %q: %w", key, err)
	}
	return true, nil
}

// GetOrFetch returns the cached payload for key, or on a miss fetches it
// from the remote source under exponential backoff, caches it best-effort,
// and returns it. Fetch failure after retries is the only error path.
func (c *Cache) GetOrFetch(ctx context.Context, key string, opts *Options, fetch FetchFunc) ([]byte, error) {
	if data, ok := c.GetBytes(ctx, key); ok {
		return data, nil
	}

	var data []byte
	op := func() error {
		var err error
		data, err = fetch(ctx)
		return err
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("fetch %q: %w", key, err)
	}

	// Best-effort: a failed cache write must not fail the fetch.
	if err := c.SetBytes(ctx, key, data, opts); err != nil {
		c.log.Warn("caching fetched payload failed", "key", key, "error", err)
	}
	return data, nil
}

// Remove invalidates key. Idempotent: removing an absent key succeeds.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn("cache remove failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Clear deletes all cached records. The sync queue is untouched — queued
// actions have their own lifecycle and are not cache data.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	c.log.Info("cache cleared")
	return nil
}

// RemoveExpired sweeps expired records out of the store. Purely an
// optimization: lazy expiry on read keeps correctness without it.
func (c *Cache) RemoveExpired(ctx context.Context) (int, error) {
	records, err := c.store.ScanAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan for expired: %w", err)
	}
	now := c.now()
	var expired []string
	for _, rec := range records {
		if rec.Expired(now) {
			expired = append(expired, rec.Key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := c.store.DeleteMany(ctx, expired); err != nil {
		return 0, fmt.Errorf("remove expired: %w", err)
	}
	c.metrics.IncrementBy(observability.CounterExpirations, int64(len(expired)))
	return len(expired), nil
}

// RemoveByTypeTag deletes all records carrying the given type tag.
// Type tags exist exactly for this kind of selective cleanup.
func (c *Cache) RemoveByTypeTag(ctx context.Context, tag string) (int, error) {
	records, err := c.store.ScanAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan for tag %q: %w", tag, err)
	}
	var matched []string
	for _, rec := range records {
		if rec.TypeTag == tag {
			matched = append(matched, rec.Key)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}
	if err := c.store.DeleteMany(ctx, matched); err != nil {
		return 0, fmt.Errorf("remove tag %q: %w", tag, err)
	}
	return len(matched), nil
}

// QueueAction appends a network action to the sync queue for replay when
// connectivity resumes. Unlike cache writes this error is consequential:
// a lost action must be reported, not swallowed.
func (c *Cache) QueueAction(ctx context.Context, action syncqueue.Action, priority int) (*syncqueue.Item, error) {
	item, err := c.queue.Enqueue(ctx, action, priority, 0)
	if err != nil {
		c.log.Error("enqueue failed", "target", action.Target, "error", err)
		return nil, err
	}
	c.metrics.Increment(observability.CounterQueueEnqueued)
	c.log.QueueEvent("enqueued", item.ID, "target", action.Target, "priority", priority)
	return item, nil
}

// FlushQueue drains the sync queue through the caller's transport. Call it
// when connectivity is restored. The report lists permanently failed items;
// the caller decides whether to notify the user or re-enqueue them.
func (c *Cache) FlushQueue(ctx context.Context, transport syncqueue.TransportFunc) (*syncqueue.Report, error) {
	report, err := c.queue.Drain(ctx, transport)
	if report != nil {
		c.metrics.IncrementBy(observability.CounterQueueReplayed, int64(report.Succeeded))
		c.metrics.IncrementBy(observability.CounterQueueRetried, int64(report.Retried))
		c.metrics.IncrementBy(observability.CounterQueueFailed, int64(len(report.PermanentlyFailed)))
		for _, item := range report.PermanentlyFailed {
			c.log.QueueEvent("permanently_failed", item.ID,
				"target", item.Action.Target, "retries", item.RetryCount)
		}
	}
	return report, err
}

// QueueLen returns the number of pending sync-queue items.
func (c *Cache) QueueLen(ctx context.Context) (int, error) {
	return c.queue.Len(ctx)
}

// Stats returns a snapshot of cache usage and counters.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	count, err := c.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	live, err := c.quota.Usage(ctx, c.store, c.now())
	if err != nil {
		return Stats{}, err
	}
	pending, err := c.queue.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Records:      count,
		LiveBytes:    live,
		QuotaBytes:   c.quota.Limit(),
		QueuePending: pending,
		HitRate:      c.metrics.HitRate(),
		Counters:     c.metrics.Counters(),
	}, nil
}

// Metrics exposes the collector for callers that want raw counters.
func (c *Cache) Metrics() *observability.MetricsCollector {
	return c.metrics
}

// Close shuts down the underlying store and queue.
func (c *Cache) Close() error {
	if err := c.queue.Close(); err != nil {
		return err
	}
	return c.store.Close()
}

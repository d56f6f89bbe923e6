package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aircache/aircache/internal/codec"
	"github.com/aircache/aircache/internal/config"
	"github.com/aircache/aircache/internal/keys"
	"github.com/aircache/aircache/internal/observability"
	"github.com/aircache/aircache/internal/store"
	"github.com/aircache/aircache/internal/syncqueue"
)

type testCache struct {
	*Cache
	store *store.SQLiteStore
	clock time.Time
}

// advance moves the cache's injected clock forward.
func (tc *testCache) advance(d time.Duration) {
	tc.clock = tc.clock.Add(d)
}

func newTestCache(t *testing.T, cfg config.Config) *testCache {
	t.Helper()

	if cfg.QuotaBytes == 0 {
		cfg.QuotaBytes = config.DefaultQuotaBytes
	}
	if cfg.DefaultTTLMS == 0 {
		cfg.DefaultTTLMS = config.DefaultTTL.Milliseconds()
	}
	if cfg.TypeTag == "" {
		cfg.TypeTag = config.DefaultTypeTag
	}

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	q, err := syncqueue.NewWithDB(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	key := bytes.Repeat([]byte{0x42}, codec.KeySize)
	cd, err := codec.New(key)
	if err != nil {
		t.Fatal(err)
	}

	c := New(cfg, s, q, cd, observability.NewLogger("cache", io.Discard))
	t.Cleanup(func() { c.Close() })

	tc := &testCache{Cache: c, store: s, clock: time.Now().UTC()}
	c.now = func() time.Time { return tc.clock }
	c.newBackoff = func(ctx context.Context) backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, fetchRetries)
	}
	return tc
}

func TestSetGet_RoundTrip(t *testing.T) {
	tc := newTestCache(t, config.Config{Compress: true, Encrypt: true})
	ctx := context.Background()

	type reading struct {
		AQI int `json:"aqi"`
	}

	if err := tc.Set(ctx, "city:42", reading{AQI: 35}, nil); err != nil {
		t.Fatal(err)
	}

	var got reading
	ok, err := tc.Get(ctx, "city:42", &got)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("miss immediately after set")
	}
	if got.AQI != 35 {
		t.Errorf("AQI = %d, want 35", got.AQI)
	}
}

func TestGet_MissForAbsentKey(t *testing.T) {
	tc := newTestCache(t, config.Config{})

	var out map[string]any
	ok, err := tc.Get(context.Background(), "never-written", &out)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("hit for a key that was never written")
	}
}

func TestTTL_ExpiryIsLazy(t *testing.T) {
	tc := newTestCache(t, config.Config{Compress: true, Encrypt: true})
	ctx := context.Background()

	err := tc.Set(ctx, "city:42", map[string]int{"aqi": 35}, &Options{
		TTL: time.Minute, Compress: true, Encrypt: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Live just before the deadline.
	tc.advance(59 * time.Second)
	if _, ok := tc.GetBytes(ctx, "city:42"); !ok {
		t.Fatal("miss before TTL elapsed")
	}

	// 61 seconds after the write the record is expired: the read misses
	// and removes the record from the store.
	tc.advance(2 * time.Second)
	if _, ok := tc.GetBytes(ctx, "city:42"); ok {
		t.Fatal("hit after TTL elapsed")
	}
	records, err := tc.store.ScanAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range records {
		if rec.Key == "city:42" {
			t.Error("expired record still listed by ScanAll after read")
		}
	}
	if tc.Metrics().Counter(observability.CounterExpirations) == 0 {
		t.Error("expiration not counted")
	}
}

func TestTTL_ExactBoundaryIsExpired(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	tc.Set(ctx, "k", "v", &Options{TTL: time.Minute})
	tc.advance(time.Minute)

	if _, ok := tc.GetBytes(ctx, "k"); ok {
		t.Error("read at t == TTL should miss")
	}
}

func TestRemove_Idempotent(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	tc.Set(ctx, "k", "v", nil)

	if err := tc.Remove(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if err := tc.Remove(ctx, "k"); err != nil {
		t.Errorf("second remove errored: %v", err)
	}
	if _, ok := tc.GetBytes(ctx, "k"); ok {
		t.Error("hit after remove")
	}
}

func TestCorruptRecord_IsAMissNotACrash(t *testing.T) {
	tc := newTestCache(t, config.Config{Compress: true, Encrypt: true})
	ctx := context.Background()

	if err := tc.Set(ctx, "city:7", map[string]int{"aqi": 90}, nil); err != nil {
		t.Fatal(err)
	}

	// Flip one bit of the stored ciphertext, as device bit-rot would.
	rec, err := tc.store.Get(ctx, "city:7")
	if err != nil || rec == nil {
		t.Fatal("record missing before tamper")
	}
	rec.Payload[len(rec.Payload)-1] ^= 0x01
	if err := tc.store.Put(ctx, *rec); err != nil {
		t.Fatal(err)
	}

	var out map[string]int
	ok, err := tc.Get(ctx, "city:7", &out)
	if err != nil {
		t.Fatalf("corruption escaped as an error: %v", err)
	}
	if ok {
		t.Fatal("tampered record returned as a hit")
	}

	// The corrupt record was removed, not left to fail every future read.
	rec, _ = tc.store.Get(ctx, "city:7")
	if rec != nil {
		t.Error("corrupt record still in store")
	}
	if tc.Metrics().Counter(observability.CounterCorruptDrops) != 1 {
		t.Errorf("corrupt_drops = %d, want 1", tc.Metrics().Counter(observability.CounterCorruptDrops))
	}
}

func TestWrongKey_InvalidatesEncryptedRecords(t *testing.T) {
	tc := newTestCache(t, config.Config{Encrypt: true})
	ctx := context.Background()

	tc.Set(ctx, "secret", "payload", &Options{TTL: time.Hour, Encrypt: true})

	// Key rotation: same store, different key.
	rotated, err := codec.New(bytes.Repeat([]byte{0x99}, codec.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	tc.codec = rotated

	if _, ok := tc.GetBytes(ctx, "secret"); ok {
		t.Error("record decrypted under a rotated key")
	}
	if rec, _ := tc.store.Get(ctx, "secret"); rec != nil {
		t.Error("undecryptable record not dropped")
	}
}

func TestEviction_UnderPressure(t *testing.T) {
	tc := newTestCache(t, config.Config{QuotaBytes: 4000})
	ctx := context.Background()

	// 10 incompressible ~1000-byte records against a 4000-byte budget.
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	var lastKey string
	for i := 0; i < 10; i++ {
		lastKey = string(rune('a' + i))
		err := tc.SetBytes(ctx, lastKey, payload, &Options{TTL: time.Hour})
		if err != nil {
			t.Fatal(err)
		}
		tc.advance(time.Second)
	}

	stats, err := tc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.LiveBytes > 4000 {
		t.Errorf("LiveBytes = %d, want <= 4000", stats.LiveBytes)
	}
	// The most recent write always survives while older ones remain.
	if _, ok := tc.GetBytes(ctx, lastKey); !ok {
		t.Error("most recently written record was evicted")
	}
	if tc.Metrics().Counter(observability.CounterEvictions) == 0 {
		t.Error("evictions not counted")
	}
}

func TestClear_LeavesQueueAlone(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	tc.Set(ctx, "k1", "v1", nil)
	tc.Set(ctx, "k2", "v2", nil)
	if _, err := tc.QueueAction(ctx, syncqueue.Action{Target: "t", Method: "POST"}, 0); err != nil {
		t.Fatal(err)
	}

	if err := tc.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	stats, _ := tc.Stats(ctx)
	if stats.Records != 0 {
		t.Errorf("Records = %d after clear, want 0", stats.Records)
	}
	if stats.QueuePending != 1 {
		t.Errorf("QueuePending = %d, clear must not touch the queue", stats.QueuePending)
	}
}

func TestRemoveByTypeTag(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	tc.Set(ctx, "map:1", "tiles", &Options{TTL: time.Hour, TypeTag: "imagery"})
	tc.Set(ctx, "map:2", "tiles", &Options{TTL: time.Hour, TypeTag: "imagery"})
	tc.Set(ctx, "city:1", "aqi", &Options{TTL: time.Hour, TypeTag: "aqi"})

	n, err := tc.RemoveByTypeTag(ctx, "imagery")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if _, ok := tc.GetBytes(ctx, "city:1"); !ok {
		t.Error("record with a different tag was removed")
	}
}

func TestRemoveExpired_Sweep(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	tc.Set(ctx, "short", "v", &Options{TTL: time.Second})
	tc.Set(ctx, "long", "v", &Options{TTL: time.Hour})
	tc.advance(time.Minute)

	n, err := tc.RemoveExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, ok := tc.GetBytes(ctx, "long"); !ok {
		t.Error("live record swept")
	}
}

func TestGetOrFetch_HitSkipsFetch(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	tc.SetBytes(ctx, "k", []byte("cached"), nil)

	fetched := false
	data, err := tc.GetOrFetch(ctx, "k", nil, func(ctx context.Context) ([]byte, error) {
		fetched = true
		return []byte("remote"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if fetched {
		t.Error("fetch called despite cache hit")
	}
	if string(data) != "cached" {
		t.Errorf("data = %q, want cached", data)
	}
}

func TestGetOrFetch_MissFetchesAndCaches(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	calls := 0
	data, err := tc.GetOrFetch(ctx, "k", nil, func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("remote"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
	if string(data) != "remote" {
		t.Errorf("data = %q", data)
	}

	// The fetched payload is now served from the cache.
	calls = 0
	data, err = tc.GetOrFetch(ctx, "k", nil, func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, errors.New("should not be called")
	})
	if err != nil || calls != 0 {
		t.Errorf("second GetOrFetch: err=%v calls=%d", err, calls)
	}
	if string(data) != "remote" {
		t.Errorf("data = %q", data)
	}
}

func TestGetOrFetch_RetriesThenFails(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	calls := 0
	_, err := tc.GetOrFetch(ctx, "k", nil, func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, errors.New("vendor API down")
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls != fetchRetries+1 {
		t.Errorf("fetch calls = %d, want %d", calls, fetchRetries+1)
	}
	if _, ok := tc.GetBytes(ctx, "k"); ok {
		t.Error("failed fetch left a cached record")
	}
}

func TestFlushQueue_ReportsAndCounts(t *testing.T) {
	tc := newTestCache(t, config.Config{})
	ctx := context.Background()

	tc.QueueAction(ctx, syncqueue.Action{Target: "ok", Method: "POST"}, 1)
	tc.QueueAction(ctx, syncqueue.Action{Target: "bad", Method: "POST"}, 0)

	transport := func(ctx context.Context, a syncqueue.Action) error {
		if a.Target == "bad" {
			return errors.New("rejected")
		}
		return nil
	}

	// Drain until the bad item exhausts its retries.
	var failed []syncqueue.Item
	for i := 0; i < syncqueue.DefaultMaxRetries; i++ {
		report, err := tc.FlushQueue(ctx, transport)
		if err != nil {
			t.Fatal(err)
		}
		failed = append(failed, report.PermanentlyFailed...)
	}

	if len(failed) != 1 {
		t.Fatalf("permanently failed = %d, want 1", len(failed))
	}
	if failed[0].Action.Target != "bad" {
		t.Errorf("failed Target = %q", failed[0].Action.Target)
	}
	if n, _ := tc.QueueLen(ctx); n != 0 {
		t.Errorf("QueueLen = %d, want 0", n)
	}
	if tc.Metrics().Counter(observability.CounterQueueReplayed) != 1 {
		t.Errorf("queue_replayed = %d, want 1", tc.Metrics().Counter(observability.CounterQueueReplayed))
	}
	if tc.Metrics().Counter(observability.CounterQueueFailed) != 1 {
		t.Errorf("queue_failed = %d, want 1", tc.Metrics().Counter(observability.CounterQueueFailed))
	}
}

func TestSet_DefaultsFromConfig(t *testing.T) {
	tc := newTestCache(t, config.Config{
		Compress: true,
		Encrypt:  false,
		TypeTag:  "aqi",
	})
	ctx := context.Background()

	tc.Set(ctx, "k", "v", nil)

	rec, err := tc.store.Get(ctx, "k")
	if err != nil || rec == nil {
		t.Fatal("record missing")
	}
	if !rec.Compressed || rec.Encrypted {
		t.Errorf("flags = compressed:%v encrypted:%v, want true/false", rec.Compressed, rec.Encrypted)
	}
	if rec.TypeTag != "aqi" {
		t.Errorf("TypeTag = %q, want aqi", rec.TypeTag)
	}
	if rec.TTL != config.DefaultTTL {
		t.Errorf("TTL = %v, want %v", rec.TTL, config.DefaultTTL)
	}
}

func TestOpen_WiresEverything(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir

	kp := keys.NewFileProvider(dir, codec.KeySize)
	c, err := Open(cfg, kp, observability.NewLogger("cache", io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := c.Set(ctx, "city:42", map[string]int{"aqi": 35}, nil); err != nil {
		t.Fatal(err)
	}
	c.Close()

	// Reopen: the record survives and decrypts under the persisted key.
	c2, err := Open(cfg, keys.NewFileProvider(dir, codec.KeySize), observability.NewLogger("cache", io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	var out map[string]int
	ok, err := c2.Get(ctx, "city:42", &out)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || out["aqi"] != 35 {
		t.Errorf("reopened get: ok=%v out=%v", ok, out)
	}
}

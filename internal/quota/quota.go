// Package quota enforces a byte-size ceiling on cached records.
//
// The policy is deliberately coarse: when over budget, the oldest quarter of
// live records (by count, not size) is evicted, repeating until usage is
// under the limit. Recency is the only criterion — not access frequency, not
// record size. The sync queue is outside the budget.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aircache/aircache/internal/store"
)

// DefaultLimitBytes is the default storage budget (50 MiB).
const DefaultLimitBytes = 50 << 20

// Result summarizes one eviction sweep.
type Result struct {
	TotalBytes int64 // Live bytes remaining after the sweep.
	Evicted    int   // Live records evicted to satisfy the budget.
	Reaped     int   // Expired records cleaned up in passing.
}

// Manager tracks the storage budget and evicts when it is exceeded.
// Thread-safe; concurrent sweeps serialize so two sweeps never act on the
// same stale snapshot.
type Manager struct {
	mu    sync.Mutex
	limit int64
}

// New creates a quota manager with the given byte ceiling.
// Pass 0 to use DefaultLimitBytes.
func New(limitBytes int64) *Manager {
	if limitBytes <= 0 {
		limitBytes = DefaultLimitBytes
	}
	return &Manager{limit: limitBytes}
}

// Limit returns the configured byte ceiling.
func (m *Manager) Limit() int64 {
	return m.limit
}

// CheckAndEvict reaps expired records, then evicts the oldest live records
// until total live size fits the budget. Called synchronously after every
// successful cache write so the store never grows unbounded between checks.
func (m *Manager) CheckAndEvict(ctx context.Context, s store.Store, now time.Time) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := s.ScanAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("quota scan: %w", err)
	}

	// Expired rows do not count toward usage; reap them so they cannot pin
	// storage until someone happens to read them.
	var expired []string
	live := records[:0]
	var total int64
	for _, rec := range records {
		if rec.Expired(now) {
			expired = append(expired, rec.Key)
			continue
		}
		live = append(live, rec)
		total += rec.SizeBytes
	}
	if len(expired) > 0 {
		if err := s.DeleteMany(ctx, expired); err != nil {
			return Result{}, fmt.Errorf("quota reap expired: %w", err)
		}
	}

	// ScanAll returns oldest first, so each cut takes the front of the
	// slice. Every pass removes at least one record, so the loop terminates.
	var evict []string
	for total > m.limit && len(live) > 0 {
		cut := len(live) / 4
		if cut < 1 {
			cut = 1
		}
		for _, rec := range live[:cut] {
			evict = append(evict, rec.Key)
			total -= rec.SizeBytes
		}
		live = live[cut:]
	}
	if len(evict) > 0 {
		if err := s.DeleteMany(ctx, evict); err != nil {
			return Result{}, fmt.Errorf("quota evict: %w", err)
		}
	}

	return Result{TotalBytes: total, Evicted: len(evict), Reaped: len(expired)}, nil
}

// Usage returns the current total size of live records.
func (m *Manager) Usage(ctx context.Context, s store.Store, now time.Time) (int64, error) {
	records, err := s.ScanAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota scan: %w", err)
	}
	var total int64
	for _, rec := range records {
		if !rec.Expired(now) {
			total += rec.SizeBytes
		}
	}
	return total, nil
}

// Package store provides persistent key→Record storage for cached payloads.
//
// The Store interface is the primary abstraction. SQLiteStore is the default
// implementation using pure-Go SQLite (modernc.org/sqlite).
//
// The store is deliberately dumb: it does not enforce TTL (the cache facade
// does, lazily on read) and it does not evict (the quota manager does). It
// guarantees atomic per-key writes — a reader never observes a half-written
// record.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrWriteFailed indicates the underlying storage rejected a write (device
// full, platform quota denied). A failed put leaves no partial record.
var ErrWriteFailed = errors.New("store: write failed")

// Record is one cached entry with its codec and expiry metadata.
//
// Records are immutable once written: a later write to the same key fully
// replaces the prior record, and the Compressed/Encrypted flags set at write
// time are what a reader uses to invert the payload transforms.
type Record struct {
	Key        string        `json:"key"`
	Payload    []byte        `json:"payload"` // Bytes after codec transforms.
	CreatedAt  time.Time     `json:"created_at"`
	TTL        time.Duration `json:"ttl"`
	TypeTag    string        `json:"type_tag"`
	Compressed bool          `json:"compressed"`
	Encrypted  bool          `json:"encrypted"`
	SizeBytes  int64         `json:"size_bytes"` // len(Payload), fixed at write.
}

// ExpiresAt returns the instant at which the record expires.
func (r Record) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.TTL)
}

// Expired reports whether the record is expired at the given instant.
// A record with ttl = T is live for reads at t < T and expired at t >= T.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// Store is the persistent record storage interface.
type Store interface {
	// Put upserts a record by key, atomically replacing any existing one.
	Put(ctx context.Context, rec Record) error

	// Get retrieves a record by key. Returns nil if not found. TTL is not
	// enforced here.
	Get(ctx context.Context, key string) (*Record, error)

	// Delete removes a record by key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteMany removes a batch of keys. Absent keys are ignored.
	DeleteMany(ctx context.Context, keys []string) error

	// ScanAll returns a snapshot of every stored record, oldest first.
	// Safe to call concurrently with reads; the snapshot may be stale but
	// never torn.
	ScanAll(ctx context.Context) ([]Record, error)

	// DeleteAll removes every record.
	DeleteAll(ctx context.Context) error

	// Count returns the total number of stored records.
	Count(ctx context.Context) (int, error)

	// Close shuts down the store.
	Close() error
}

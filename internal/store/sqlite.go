package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed record store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// One connection: SQLite has a single writer anyway, and a second
	// pooled connection to ":memory:" would see a different database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Timestamps are unix milliseconds so ordering and TTL arithmetic keep
	// millisecond precision.
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		key        TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		ttl_ms     INTEGER NOT NULL,
		type_tag   TEXT NOT NULL DEFAULT 'generic',
		compressed INTEGER NOT NULL DEFAULT 0,
		encrypted  INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so the sync queue can share one database
// file while owning its own table.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Put stores or replaces a record. SizeBytes is recomputed from the payload.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.SizeBytes = int64(len(rec.Payload))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (key, payload, created_at, ttl_ms, type_tag, compressed, encrypted, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload    = excluded.payload,
			created_at = excluded.created_at,
			ttl_ms     = excluded.ttl_ms,
			type_tag   = excluded.type_tag,
			compressed = excluded.compressed,
			encrypted  = excluded.encrypted,
			size_bytes = excluded.size_bytes`,
		rec.Key, rec.Payload, rec.CreatedAt.UnixMilli(), rec.TTL.Milliseconds(),
		rec.TypeTag, boolToInt(rec.Compressed), boolToInt(rec.Encrypted), rec.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrWriteFailed, rec.Key, err)
	}
	return nil
}

// Get retrieves a record by key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT key, payload, created_at, ttl_ms, type_tag, compressed, encrypted, size_bytes
		FROM records WHERE key = ?`, key)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return rec, nil
}

// Delete removes a record by key. Absent keys are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// DeleteMany removes a batch of keys in one statement.
func (s *SQLiteStore) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := "DELETE FROM records WHERE key IN (" + placeholders + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %d keys: %w", len(keys), err)
	}
	return nil
}

// ScanAll returns every stored record, oldest first.
func (s *SQLiteStore) ScanAll(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, payload, created_at, ttl_ms, type_tag, compressed, encrypted, size_bytes
		FROM records ORDER BY created_at ASC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// DeleteAll removes every record.
func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("delete all records: %w", err)
	}
	return nil
}

// Count returns the total number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var createdAt, ttlMS int64
	var compressed, encrypted int

	err := s.Scan(&rec.Key, &rec.Payload, &createdAt, &ttlMS,
		&rec.TypeTag, &compressed, &encrypted, &rec.SizeBytes)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.TTL = time.Duration(ttlMS) * time.Millisecond
	rec.Compressed = compressed != 0
	rec.Encrypted = encrypted != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

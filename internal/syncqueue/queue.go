// Package syncqueue is a durable, ordered queue of network actions captured
// while offline and replayed when connectivity resumes.
//
// Replay is at-least-once: an item is deleted only after its transport call
// succeeds, so a crash mid-replay leaves it pending. Every action carries a
// UUID idempotency token so the remote side can deduplicate repeats.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultMaxRetries is the per-item replay attempt cap.
const DefaultMaxRetries = 3

// ErrDrainInProgress is returned when a drain is requested while another
// drain is still running. Only one drain may replay the queue at a time.
var ErrDrainInProgress = errors.New("syncqueue: drain already in progress")

// Action describes one replayable network action. It is opaque to the
// queue; the injected transport function interprets it.
type Action struct {
	Token   string            `json:"token"` // Idempotency token, stamped at enqueue.
	Target  string            `json:"target"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Item is one queued action with its replay bookkeeping.
type Item struct {
	ID         int64     `json:"id"`
	Action     Action    `json:"action"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TransportFunc replays one action against the network. Supplied by the
// caller; the queue never constructs requests itself.
type TransportFunc func(ctx context.Context, action Action) error

// Report summarizes one drain.
type Report struct {
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"` // Failed this drain, still pending.

	// PermanentlyFailed lists items that exhausted their retries during
	// this drain. They are removed from the queue but never dropped
	// silently — the caller decides whether to notify or re-enqueue.
	PermanentlyFailed []Item `json:"permanently_failed,omitempty"`
}

// Queue is the durable sync queue. Thread-safe.
type Queue struct {
	mu      sync.Mutex // Serializes writes.
	drainMu sync.Mutex // Held for the whole of a drain.
	db      *sql.DB
	ownsDB  bool
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	token       TEXT NOT NULL,
	target      TEXT NOT NULL,
	method      TEXT NOT NULL,
	headers     TEXT,
	body        BLOB,
	priority    INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(priority DESC, id ASC);`

// Open opens (or creates) a queue in its own SQLite database. Unlike cache
// writes, a queue that cannot be opened is a hard error: silently losing
// queued actions is a correctness gap, not a cache miss.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sync queue %q: %w", path, err)
	}
	// One connection: a second pooled connection to ":memory:" would see
	// a different database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	q, err := newQueue(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

// NewWithDB creates a queue sharing an existing database handle. The queue
// owns only its own table; record-store operations (including Clear) never
// touch it.
func NewWithDB(db *sql.DB) (*Queue, error) {
	return newQueue(db)
}

func newQueue(db *sql.DB) (*Queue, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create sync queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Enqueue appends an action and persists it before returning. A zero
// maxRetries means DefaultMaxRetries. The action's idempotency token is
// stamped here if the caller did not set one.
func (q *Queue) Enqueue(ctx context.Context, action Action, priority, maxRetries int) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if action.Token == "" {
		action.Token = uuid.New().String()
	}

	var headersJSON *string
	if len(action.Headers) > 0 {
		data, err := json.Marshal(action.Headers)
		if err != nil {
			return nil, fmt.Errorf("marshal headers: %w", err)
		}
		s := string(data)
		headersJSON = &s
	}

	enqueuedAt := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (token, target, method, headers, body, priority, retry_count, max_retries, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		action.Token, action.Target, action.Method, headersJSON, action.Body,
		priority, maxRetries, enqueuedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue action for %q: %w", action.Target, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue id: %w", err)
	}

	return &Item{
		ID:         id,
		Action:     action,
		Priority:   priority,
		MaxRetries: maxRetries,
		EnqueuedAt: enqueuedAt,
	}, nil
}

// Pending returns all queued items in replay order: priority descending,
// then insertion order within a priority.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, token, target, method, headers, body, priority, retry_count, max_retries, enqueued_at
		FROM sync_queue ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var headersJSON sql.NullString
		var enqueuedAt int64
		err := rows.Scan(&it.ID, &it.Action.Token, &it.Action.Target, &it.Action.Method,
			&headersJSON, &it.Action.Body, &it.Priority, &it.RetryCount, &it.MaxRetries, &enqueuedAt)
		if err != nil {
			return nil, err
		}
		if headersJSON.Valid && headersJSON.String != "" {
			json.Unmarshal([]byte(headersJSON.String), &it.Action.Headers)
		}
		it.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		items = append(items, it)
	}
	return items, rows.Err()
}

// Len returns the number of pending items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n)
	return n, err
}

// Drain replays all pending items through the transport function. Items get
// one attempt each per drain; a failing item stays pending with its retry
// count bumped until it exhausts MaxRetries, at which point it is removed
// and reported. Drain does not stop on individual failures, but it does
// stop between items if the context is cancelled, leaving the rest pending.
//
// Only one drain may run at a time; a concurrent call fails immediately
// with ErrDrainInProgress.
func (q *Queue) Drain(ctx context.Context, transport TransportFunc) (*Report, error) {
	if !q.drainMu.TryLock() {
		return nil, ErrDrainInProgress
	}
	defer q.drainMu.Unlock()

	items, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}

	// Bookkeeping writes finish even if the caller cancels mid-drain; an
	// item's state transition is never left half-applied.
	bookCtx := context.WithoutCancel(ctx)

	report := &Report{}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := transport(ctx, it.Action); err == nil {
			if err := q.remove(bookCtx, it.ID); err != nil {
				return report, err
			}
			report.Succeeded++
			continue
		}

		it.RetryCount++
		if it.RetryCount >= it.MaxRetries {
			if err := q.remove(bookCtx, it.ID); err != nil {
				return report, err
			}
			report.PermanentlyFailed = append(report.PermanentlyFailed, it)
			continue
		}
		if err := q.bumpRetry(bookCtx, it.ID, it.RetryCount); err != nil {
			return report, err
		}
		report.Retried++
	}
	return report, nil
}

func (q *Queue) remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove item %d: %w", id, err)
	}
	return nil
}

func (q *Queue) bumpRetry(ctx context.Context, id int64, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.db.ExecContext(ctx, "UPDATE sync_queue SET retry_count = ? WHERE id = ?", retryCount, id); err != nil {
		return fmt.Errorf("update retry count for item %d: %w", id, err)
	}
	return nil
}

// Close shuts down the queue's database if the queue owns it.
func (q *Queue) Close() error {
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}

// Package queue implements the durable offline queue backing
// at-least-once event delivery.
//
// SQLite in WAL mode is the single shared resource between the
// foreground command and the background flush task: every mutation is
// transactional, so a crash mid-write never leaves a half-written or
// duplicated entry, and concurrent local processes are serialized at
// the storage layer. The store also persists the Lamport counter so the
// clock survives restarts.
//
// Entries are created on every emit regardless of connectivity and are
// deleted only after a definitive success or duplicate verdict from the
// server. Rejections keep the entry pending with an incremented retry
// count and a recorded reason.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaydev/relay/pkg/event"

	_ "modernc.org/sqlite"
)

// Entry statuses. Synced entries are deleted rather than kept, so
// pending is the steady state and failed is reserved for entries a
// future retry policy may park permanently.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
	StatusSynced  = "synced"
)

// Entry wraps a serialized event awaiting delivery.
type Entry struct {
	ID            int64      `json:"id"`
	EventID       string     `json:"event_id"`
	EventType     string     `json:"event_type"`
	LamportClock  int64      `json:"lamport_clock"`
	EventJSON     []byte     `json:"event_json"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
	ErrorCategory string     `json:"error_category,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// Event deserializes the wrapped envelope.
func (en *Entry) Event() (*event.Event, error) {
	var e event.Event
	if err := json.Unmarshal(en.EventJSON, &e); err != nil {
		return nil, fmt.Errorf("queue: decode entry %s: %w", en.EventID, err)
	}
	return &e, nil
}

// Rejection records a per-event server verdict that keeps the entry
// pending for a later retry.
type Rejection struct {
	EventID  string
	Reason   string
	Category string
}

// TypeCount pairs an event type with its pending-entry count.
type TypeCount struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}

// Stats is a side-effect-free aggregate view of the queue.
type Stats struct {
	Depth          int           `json:"depth"`
	OldestAge      time.Duration `json:"oldest_age_ns"`
	RetryHistogram map[int]int   `json:"retry_histogram"`
	TopEventTypes  []TypeCount   `json:"top_event_types"`
}

// Store manages the SQLite-backed offline queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the queue database and initializes the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
// All write operations go through it to ride out transient SQLite
// errors (BUSY, LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_entries (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        TEXT NOT NULL UNIQUE,
		event_type      TEXT NOT NULL,
		lamport_clock   INTEGER NOT NULL,
		event_json      TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		error_category  TEXT,
		created_at      TEXT NOT NULL,
		last_attempt_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queue_pending ON queue_entries(status, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_queue_type ON queue_entries(event_type);

	CREATE TABLE IF NOT EXISTS clock_state (
		node_id TEXT PRIMARY KEY,
		value   INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Entries
// ---------------------------------------------------------------------------

// Enqueue appends an event to the queue. This must succeed for every
// emit — a failure here is a fatal local I/O problem, never a reason to
// drop the event silently.
func (s *Store) Enqueue(e *event.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: encode event %s: %w", e.EventID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO queue_entries (event_id, event_type, lamport_clock, event_json, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.EventID, e.EventType, e.LamportClock, string(raw), StatusPending, now,
		)
		return err
	})
}

// PeekBatch returns up to maxN pending entries in FIFO order. The
// AUTOINCREMENT row id is insertion order exactly, and insertion order
// matches local causal order, so Lamport order is preserved implicitly.
// created_at is display metadata only: RFC3339Nano drops a .0 fraction,
// so its text does not sort reliably at whole-second boundaries.
func (s *Store) PeekBatch(maxN int) ([]Entry, error) {
	if maxN <= 0 {
		maxN = 100
	}
	rows, err := s.db.Query(
		`SELECT id, event_id, event_type, lamport_clock, event_json, status,
		        retry_count, COALESCE(last_error,''), COALESCE(error_category,''),
		        created_at, last_attempt_at
		 FROM queue_entries WHERE status = ?
		 ORDER BY id ASC LIMIT ?`,
		StatusPending, maxN,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkSynced deletes entries the server confirmed as newly ingested.
func (s *Store) MarkSynced(eventIDs []string) error {
	return s.deleteByEventID(eventIDs)
}

// MarkDuplicate deletes entries the server already knew. A duplicate
// verdict is idempotent-delivery confirmation, not an error.
func (s *Store) MarkDuplicate(eventIDs []string) error {
	return s.deleteByEventID(eventIDs)
}

func (s *Store) deleteByEventID(eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM queue_entries WHERE event_id IN (%s)`, placeholders(len(eventIDs)))
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	return retryOnContention(func() error {
		_, err := s.db.Exec(query, args...)
		return err
	})
}

// MarkRejected records per-event rejections: retry count is
// incremented, the reason and category are kept, and the entry remains
// pending. All rejections from one batch commit atomically.
func (s *Store) MarkRejected(rejections []Rejection) error {
	if len(rejections) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		for _, r := range rejections {
			if _, err := tx.Exec(
				`UPDATE queue_entries
				 SET retry_count = retry_count + 1,
				     last_error = ?,
				     error_category = ?,
				     last_attempt_at = ?
				 WHERE event_id = ?`,
				r.Reason, r.Category, now, r.EventID,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Depth returns the number of pending entries.
func (s *Store) Depth() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM queue_entries WHERE status = ?`, StatusPending,
	).Scan(&n)
	return n, err
}

// Stats returns a purely derived aggregate view: depth, oldest-entry
// age, a retry-count histogram, and the most common pending event types.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{RetryHistogram: map[int]int{}}

	var err error
	if st.Depth, err = s.Depth(); err != nil {
		return nil, err
	}

	var oldest sql.NullString
	if err := s.db.QueryRow(
		`SELECT MIN(created_at) FROM queue_entries WHERE status = ?`, StatusPending,
	).Scan(&oldest); err != nil {
		return nil, err
	}
	if oldest.Valid {
		t, err := time.Parse(time.RFC3339Nano, oldest.String)
		if err != nil {
			return nil, fmt.Errorf("parse oldest created_at: %w", err)
		}
		st.OldestAge = time.Since(t)
	}

	rows, err := s.db.Query(
		`SELECT retry_count, COUNT(*) FROM queue_entries WHERE status = ? GROUP BY retry_count`,
		StatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var retries, count int
		if err := rows.Scan(&retries, &count); err != nil {
			return nil, err
		}
		st.RetryHistogram[retries] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := s.db.Query(
		`SELECT event_type, COUNT(*) AS n FROM queue_entries WHERE status = ?
		 GROUP BY event_type ORDER BY n DESC, event_type ASC LIMIT 5`,
		StatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var tc TypeCount
		if err := typeRows.Scan(&tc.EventType, &tc.Count); err != nil {
			return nil, err
		}
		st.TopEventTypes = append(st.TopEventTypes, tc)
	}
	return st, typeRows.Err()
}

// ---------------------------------------------------------------------------
// Clock persistence
// ---------------------------------------------------------------------------

// SaveClock persists the Lamport counter for a node. The stored value
// only ever increases.
func (s *Store) SaveClock(nodeID string, value int64) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO clock_state (node_id, value) VALUES (?, ?)
			 ON CONFLICT(node_id) DO UPDATE SET value = MAX(value, excluded.value)`,
			nodeID, value,
		)
		return err
	})
}

// LoadClock returns the seed value for a node's clock: the larger of
// the persisted counter and the highest Lamport value among queued
// entries. A crash between tick and persist can therefore never
// resurrect an already-used timestamp.
func (s *Store) LoadClock(nodeID string) (int64, error) {
	var persisted int64
	err := s.db.QueryRow(
		`SELECT value FROM clock_state WHERE node_id = ?`, nodeID,
	).Scan(&persisted)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	var queued int64
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(lamport_clock), 0) FROM queue_entries`,
	).Scan(&queued); err != nil {
		return 0, err
	}

	if queued > persisted {
		return queued, nil
	}
	return persisted, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var en Entry
		var raw, createdStr string
		var attemptStr sql.NullString
		if err := rows.Scan(&en.ID, &en.EventID, &en.EventType, &en.LamportClock,
			&raw, &en.Status, &en.RetryCount, &en.LastError, &en.ErrorCategory,
			&createdStr, &attemptStr); err != nil {
			return nil, err
		}
		en.EventJSON = []byte(raw)
		var parseErr error
		en.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at for entry %s: %w", en.EventID, parseErr)
		}
		if attemptStr.Valid {
			t, err := time.Parse(time.RFC3339Nano, attemptStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_attempt_at for entry %s: %w", en.EventID, err)
			}
			en.LastAttemptAt = &t
		}
		entries = append(entries, en)
	}
	return entries, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

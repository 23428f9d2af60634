// Package monitoring - store.go persists per-request events to SQLite.
//
// DESIGN: Each completed chat turn writes one row. The store is optional;
// when no db path is configured the gateway runs with counters only. Rows
// power the recent-activity section of /api/stats and offline analysis.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RequestEvent captures one chat turn through the gateway.
type RequestEvent struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	SubjectID   string    `json:"subject_id"`
	TopicID     string    `json:"topic_id"`
	Mode        string    `json:"mode"`
	Model       string    `json:"model"`
	HadMemory   bool      `json:"had_memory"`
	FromCache   bool      `json:"from_cache"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	ResponseLen int       `json:"response_len"`
}

// EventStore persists request events to a SQLite database.
type EventStore struct {
	db *sql.DB
}

// NewEventStore opens or creates the events database at the given path.
func NewEventStore(dbPath string) (*EventStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &EventStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *EventStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_events (
		request_id   TEXT PRIMARY KEY,
		timestamp    TEXT NOT NULL,
		subject_id   TEXT NOT NULL,
		topic_id     TEXT NOT NULL,
		mode         TEXT NOT NULL,
		model        TEXT NOT NULL,
		had_memory   INTEGER NOT NULL DEFAULT 0,
		from_cache   INTEGER NOT NULL DEFAULT 0,
		success      INTEGER NOT NULL DEFAULT 0,
		error        TEXT,
		latency_ms   INTEGER NOT NULL DEFAULT 0,
		response_len INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON request_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_events_subject ON request_events(subject_id);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON request_events(topic_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database connection is still usable.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts one request event.
func (s *EventStore) Record(ctx context.Context, ev RequestEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_events
			(request_id, timestamp, subject_id, topic_id, mode, model,
			 had_memory, from_cache, success, error, latency_ms, response_len)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.Timestamp.Format(time.RFC3339Nano), ev.SubjectID,
		ev.TopicID, ev.Mode, ev.Model,
		boolToInt(ev.HadMemory), boolToInt(ev.FromCache), boolToInt(ev.Success),
		ev.Error, ev.LatencyMs, ev.ResponseLen)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to n most recent events, newest first.
func (s *EventStore) Recent(ctx context.Context, n int) ([]RequestEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, timestamp, subject_id, topic_id, mode, model,
		       had_memory, from_cache, success, error, latency_ms, response_len
		FROM request_events
		ORDER BY timestamp DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []RequestEvent
	for rows.Next() {
		var ev RequestEvent
		var ts string
		var hadMemory, fromCache, success int
		var errStr sql.NullString
		if err := rows.Scan(&ev.RequestID, &ts, &ev.SubjectID, &ev.TopicID,
			&ev.Mode, &ev.Model, &hadMemory, &fromCache, &success,
			&errStr, &ev.LatencyMs, &ev.ResponseLen); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		ev.HadMemory = hadMemory != 0
		ev.FromCache = fromCache != 0
		ev.Success = success != 0
		ev.Error = errStr.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountByMode returns event counts grouped by dispatch mode.
func (s *EventStore) CountByMode(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mode, COUNT(*) FROM request_events GROUP BY mode`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var mode string
		var n int64
		if err := rows.Scan(&mode, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[mode] = n
	}
	return counts, rows.Err()
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

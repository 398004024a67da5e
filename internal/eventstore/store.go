// Package eventstore persists every bus event in an embedded SQLite log and
// serves typed queries and aggregations over it.
package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"warden/internal/events"
)

// DefaultRetention is how long events are kept before the sweep deletes them.
const DefaultRetention = 30 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	session_key TEXT NOT NULL DEFAULT '',
	channel     TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key);
`

// Store is the durable append-only event log. It is the sole writer to its
// database file; every other component reaches it through the bus.
type Store struct {
	db        *sql.DB
	retention time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Open creates or opens the event database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	// The log has a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event schema: %w", err)
	}

	return &Store{
		db:        db,
		retention: DefaultRetention,
		stopCh:    make(chan struct{}),
	}, nil
}

// SetRetention overrides the retention window.
func (s *Store) SetRetention(d time.Duration) {
	if d > 0 {
		s.retention = d
	}
}

// Close stops the sweep loop and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.db.Close()
}

// Attach subscribes the store to every bus event. Returns an unsubscribe
// function.
func (s *Store) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(func(e events.Event) {
		if err := s.Insert(e); err != nil {
			slog.Error("event store: insert", "event_id", e.ID, "type", e.Type, "error", err)
		}
	})
}

func encodePayload(p map[string]any) string {
	if p == nil {
		return "{}"
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Insert appends one event to the log.
func (s *Store) Insert(e events.Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (id, type, ts, session_key, channel, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Timestamp.UnixNano(), e.SessionKey, e.Channel, encodePayload(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// InsertBatch appends events inside one transaction. Either every event
// lands or none do.
func (s *Store) InsertBatch(batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO events (id, type, ts, session_key, channel, payload) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(
			e.ID, string(e.Type), e.Timestamp.UnixNano(), e.SessionKey, e.Channel, encodePayload(e.Payload),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert event %s in batch: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// Order selects the query sort column.
type Order string

const (
	OrderByTimestamp Order = "timestamp"
	OrderByType      Order = "type"
)

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Types      []events.EventType
	SessionKey string
	Channel    string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
	OrderBy    Order
	Descending bool
}

func (f Filter) whereClause() (string, []any) {
	var conds []string
	var args []any

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.SessionKey != "" {
		conds = append(conds, "session_key = ?")
		args = append(args, f.SessionKey)
	}
	if f.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, f.Channel)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns events matching the filter with pagination.
func (s *Store) Query(f Filter) ([]events.Event, error) {
	where, args := f.whereClause()

	col := "ts"
	if f.OrderBy == OrderByType {
		col = "type"
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}

	q := fmt.Sprintf(
		`SELECT id, type, ts, session_key, channel, payload FROM events%s ORDER BY %s %s, id %s`,
		where, col, dir, dir)
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one event by id, or nil when absent.
func (s *Store) Get(id string) (*events.Event, error) {
	row := s.db.QueryRow(
		`SELECT id, type, ts, session_key, channel, payload FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (events.Event, error) {
	var e events.Event
	var typ, payload string
	var ts int64
	if err := r.Scan(&e.ID, &typ, &ts, &e.SessionKey, &e.Channel, &payload); err != nil {
		return e, err
	}
	e.Type = events.EventType(typ)
	e.Timestamp = time.Unix(0, ts)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		e.Payload = map[string]any{}
	}
	return e, nil
}

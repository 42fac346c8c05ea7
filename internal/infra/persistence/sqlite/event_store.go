// Package sqlite implements the embedded, single-process event store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/internal/domain/eventstore"
	"github.com/coachpo/yapper/pkg/events"
)

const (
	busyTimeoutMillis = 5000

	createEventsSQL = `
CREATE TABLE IF NOT EXISTS events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    topic      TEXT    NOT NULL,
    payload    TEXT    NOT NULL,
    origin     TEXT    NOT NULL,
    created_at INTEGER NOT NULL
)`

	createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_events_created_at
ON events (created_at, seq)`

	insertEventSQL = `
INSERT INTO events (id, topic, payload, origin, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	getEventSQL = `
SELECT seq, id, topic, payload, origin, created_at
FROM events
WHERE id = ?`

	purgeEventsSQL = `
DELETE FROM events
WHERE created_at < ?`
)

// EventStore persists events to a SQLite database file or memory.
// Writes are serialised through a single writer; reads run concurrently.
type EventStore struct {
	db       *sql.DB
	path     string
	pageSize int

	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
}

// Option configures the embedded store.
type Option func(*EventStore)

// WithPageSize overrides the number of rows fetched per query round trip.
func WithPageSize(size int) Option {
	return func(s *EventStore) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// Open creates the embedded store. An empty path (or ":memory:") selects a
// private in-memory database that lives as long as the store.
func Open(ctx context.Context, path string, opts ...Option) (*EventStore, error) {
	path = strings.TrimSpace(path)
	memory := path == "" || path == ":memory:"

	var dsn string
	if memory {
		dsn = ":memory:"
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
			path, busyTimeoutMillis)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &EventStore{
		db:       db,
		path:     path,
		pageSize: eventstore.DefaultPageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if _, err := db.ExecContext(ctx, createEventsSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createEventsIndexSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events index: %w", err)
	}
	return store, nil
}

// Path returns the database file path, or "" for an in-memory store.
func (s *EventStore) Path() string {
	if s.path == ":memory:" {
		return ""
	}
	return s.path
}

// Append implements eventstore.Store.
func (s *EventStore) Append(ctx context.Context, evt events.Event) (string, error) {
	const op = "sqlite/append"
	if err := evt.Validate(); err != nil {
		return "", errs.New(op, errs.CodeConstraint, errs.WithCause(err))
	}
	payload, err := events.EncodePayload(evt.Payload)
	if err != nil {
		return "", errs.New(op, errs.CodeConstraint, errs.WithCause(err))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", eventstore.Closed(op)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, insertEventSQL,
		evt.ID, evt.Topic, string(payload), evt.Origin, evt.CreatedAt.UnixMicro()); err != nil {
		return "", classify(op, err)
	}
	return evt.ID, nil
}

// Get implements eventstore.Store.
func (s *EventStore) Get(ctx context.Context, id string) (events.Event, error) {
	const op = "sqlite/get"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return events.Event{}, eventstore.Closed(op)
	}

	row, err := scanRow(s.db.QueryRowContext(ctx, getEventSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return events.Event{}, eventstore.NotFound(op, id)
	}
	if err != nil {
		return events.Event{}, classify(op, err)
	}
	return row.Event, nil
}

// Query implements eventstore.Store.
func (s *EventStore) Query(ctx context.Context, q eventstore.Query) iter.Seq2[events.Event, error] {
	return eventstore.Paginate(ctx, q, s.pageSize, s.fetchPage)
}

func (s *EventStore) fetchPage(ctx context.Context, q eventstore.Query, after eventstore.Cursor, size int) ([]eventstore.Row, error) {
	const op = "sqlite/query"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, eventstore.Closed(op)
	}

	query, args := buildPageQuery(q, after, size)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var page []eventstore.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		page = append(page, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return page, nil
}

// Purge implements eventstore.Store.
func (s *EventStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	const op = "sqlite/purge"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, eventstore.Closed(op)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, purgeEventsSQL, before.UTC().UnixMicro())
	if err != nil {
		return 0, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

// Close implements eventstore.Store. The embedded database is always owned.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func buildPageQuery(q eventstore.Query, after eventstore.Cursor, size int) (string, []any) {
	var (
		where []string
		args  []any
	)
	if !q.Pattern.IsZero() {
		prefix := q.Pattern.Prefix()
		switch {
		case !q.Pattern.IsWildcard():
			where = append(where, "topic = ?")
			args = append(args, prefix)
		case prefix != "":
			where = append(where, "substr(topic, 1, ?) = ? AND length(topic) > ?")
			args = append(args, len(prefix), prefix, len(prefix))
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC().UnixMicro())
	}
	if after.Valid {
		micros := after.CreatedAt.UTC().UnixMicro()
		where = append(where, "(created_at > ? OR (created_at = ? AND seq > ?))")
		args = append(args, micros, micros, after.Seq)
	}

	var b strings.Builder
	b.WriteString("SELECT seq, id, topic, payload, origin, created_at FROM events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC, seq ASC LIMIT ?")
	args = append(args, size)
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (eventstore.Row, error) {
	var (
		out     eventstore.Row
		payload string
		micros  int64
	)
	if err := row.Scan(&out.Seq, &out.Event.ID, &out.Event.Topic, &payload, &out.Event.Origin, &micros); err != nil {
		return eventstore.Row{}, err
	}
	decoded, err := events.DecodePayload([]byte(payload))
	if err != nil {
		return eventstore.Row{}, err
	}
	out.Event.Payload = decoded
	out.Event.CreatedAt = time.UnixMicro(micros).UTC()
	return out, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.New(op, errs.CodeConnection, errs.WithMessage("operation interrupted"), errs.WithCause(err))
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint failed") || strings.Contains(msg, "decode payload") {
		return errs.New(op, errs.CodeConstraint, errs.WithCause(err))
	}
	return errs.New(op, errs.CodeConnection, errs.WithCause(err))
}

var _ eventstore.Store = (*EventStore)(nil)

// Package postgres implements the networked event store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/internal/domain/eventstore"
	"github.com/coachpo/yapper/internal/infra/telemetry"
	"github.com/coachpo/yapper/pkg/events"
)

const (
	defaultMaxConns      = 10
	defaultRetryAttempts = 3
	defaultRetryInitial  = 50 * time.Millisecond
	defaultRetryMax      = 2 * time.Second
)

const (
	insertEventSQL = `
INSERT INTO events (id, topic, payload, origin, created_at)
VALUES ($1, $2, $3::jsonb, $4, $5)
ON CONFLICT (id) DO NOTHING;
`

	getEventSQL = `
SELECT seq, id, topic, payload, origin, created_at
FROM events
WHERE id = $1;
`

	purgeEventsSQL = `
DELETE FROM events
WHERE created_at < $1;
`
)

// EventStore persists events in the PostgreSQL events table.
type EventStore struct {
	pool  *pgxpool.Pool
	owned bool
	opts  options

	retries metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

type options struct {
	maxConns      int32
	retryAttempts uint
	retryInitial  time.Duration
	pageSize      int
	poolName      string
}

// Option configures the networked store.
type Option func(*options)

// WithMaxConns bounds the pool opened by Open. Ignored by New.
func WithMaxConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = int32(n)
		}
	}
}

// WithRetry sets the total number of attempts for transient failures and the
// first backoff interval.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.retryAttempts = uint(attempts)
		}
		if initial > 0 {
			o.retryInitial = initial
		}
	}
}

// WithPageSize overrides the number of rows fetched per query round trip.
func WithPageSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.pageSize = size
		}
	}
}

// WithPoolName labels the pool health gauges.
func WithPoolName(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.poolName = name
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		maxConns:      defaultMaxConns,
		retryAttempts: defaultRetryAttempts,
		retryInitial:  defaultRetryInitial,
		pageSize:      eventstore.DefaultPageSize,
		poolName:      "events",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// New wraps a shared pool. Close leaves the pool open for its owner.
func New(pool *pgxpool.Pool, opts ...Option) *EventStore {
	return newEventStore(pool, false, buildOptions(opts))
}

// Open connects a dedicated pool to uri. The returned store owns the pool.
// Connections are established lazily; an unreachable server surfaces as a
// connection error on the first operation.
func Open(ctx context.Context, uri string, opts ...Option) (*EventStore, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errs.New("postgres/open", errs.CodeInvalid, errs.WithMessage("database uri required"))
	}
	o := buildOptions(opts)
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, errs.New("postgres/open", errs.CodeInvalid, errs.WithMessage("parse database uri"), errs.WithCause(err))
	}
	cfg.MaxConns = o.maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.New("postgres/open", errs.CodeConnection, errs.WithCause(err))
	}
	ObservePoolMetrics(pool, o.poolName)
	return newEventStore(pool, true, o), nil
}

func newEventStore(pool *pgxpool.Pool, owned bool, o options) *EventStore {
	store := &EventStore{pool: pool, owned: owned, opts: o}
	counter, err := otel.Meter("postgres.eventstore").Int64Counter("yapper_store_retries_total",
		metric.WithDescription("Transient store failures retried by the networked adapter"),
		metric.WithUnit("{retry}"))
	if err == nil {
		store.retries = counter
	}
	return store
}

// Pool exposes the underlying pgx pool.
func (s *EventStore) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Ping verifies connectivity using the retry policy.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.do(ctx, "postgres/ping", func(ctx context.Context) error {
		return s.pool.Ping(ctx)
	})
}

// Append implements eventstore.Store.
func (s *EventStore) Append(ctx context.Context, evt events.Event) (string, error) {
	const op = "postgres/append"
	if err := evt.Validate(); err != nil {
		return "", errs.New(op, errs.CodeConstraint, errs.WithCause(err))
	}
	payload, err := events.EncodePayload(evt.Payload)
	if err != nil {
		return "", errs.New(op, errs.CodeConstraint, errs.WithCause(err))
	}
	err = s.do(ctx, op, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, insertEventSQL, evt.ID, evt.Topic, string(payload), evt.Origin, evt.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return "", err
	}
	return evt.ID, nil
}

// Get implements eventstore.Store.
func (s *EventStore) Get(ctx context.Context, id string) (events.Event, error) {
	const op = "postgres/get"
	var row eventstore.Row
	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		row, err = scanRow(s.pool.QueryRow(ctx, getEventSQL, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return events.Event{}, eventstore.NotFound(op, id)
	}
	if err != nil {
		return events.Event{}, err
	}
	return row.Event, nil
}

// Query implements eventstore.Store.
func (s *EventStore) Query(ctx context.Context, q eventstore.Query) iter.Seq2[events.Event, error] {
	return eventstore.Paginate(ctx, q, s.opts.pageSize, s.fetchPage)
}

func (s *EventStore) fetchPage(ctx context.Context, q eventstore.Query, after eventstore.Cursor, size int) ([]eventstore.Row, error) {
	query, args := buildPageQuery(q, after, size)
	var page []eventstore.Row
	err := s.do(ctx, "postgres/query", func(ctx context.Context) error {
		page = page[:0]
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			row, err := scanRow(rows)
			if err != nil {
				return err
			}
			page = append(page, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Purge implements eventstore.Store.
func (s *EventStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.do(ctx, "postgres/purge", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, purgeEventsSQL, before.UTC())
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}

// Close implements eventstore.Store. A shared pool is left open.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// do runs fn under the read lock with the adapter retry policy and maps the
// final error into the store taxonomy.
func (s *EventStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return eventstore.Closed(op)
	}
	if s.pool == nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("nil pool"))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.retryInitial
	b.MaxInterval = defaultRetryMax

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempt > 1 && s.retries != nil {
			s.retries.Add(ctx, 1, metric.WithAttributes(
				telemetry.StoreAttributes(telemetry.Environment(), telemetry.BackendPostgres, strings.TrimPrefix(op, "postgres/"), "")...))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.opts.retryAttempts))
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return classify(op, err)
}

func buildPageQuery(q eventstore.Query, after eventstore.Cursor, size int) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !q.Pattern.IsZero() {
		prefix := q.Pattern.Prefix()
		switch {
		case !q.Pattern.IsWildcard():
			where = append(where, "topic = "+arg(prefix))
		case prefix != "":
			n := arg(len(prefix))
			where = append(where, fmt.Sprintf("left(topic, %s) = %s AND length(topic) > %s", n, arg(prefix), n))
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= "+arg(q.Since.UTC()))
	}
	if after.Valid {
		ts := arg(after.CreatedAt.UTC())
		where = append(where, fmt.Sprintf("(created_at > %s OR (created_at = %s AND seq > %s))", ts, ts, arg(after.Seq)))
	}

	var b strings.Builder
	b.WriteString("SELECT seq, id, topic, payload, origin, created_at FROM events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC, seq ASC LIMIT ")
	b.WriteString(arg(size))
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (eventstore.Row, error) {
	var (
		out     eventstore.Row
		payload []byte
	)
	if err := row.Scan(&out.Seq, &out.Event.ID, &out.Event.Topic, &payload, &out.Event.Origin, &out.Event.CreatedAt); err != nil {
		return eventstore.Row{}, err
	}
	decoded, err := events.DecodePayload(payload)
	if err != nil {
		return eventstore.Row{}, errs.New("postgres/scan", errs.CodeConstraint, errs.WithCause(err))
	}
	out.Event.Payload = decoded
	out.Event.CreatedAt = out.Event.CreatedAt.UTC()
	return out, nil
}

// retryable reports whether err is a transient connectivity failure.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300":
			return true
		}
		return false
	}
	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.SafeToRetry(err)
}

// classify maps a driver error into the store error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var envelope *errs.E
	if errors.As(err, &envelope) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return errs.New(op, errs.CodeConstraint, errs.WithMessage(pgErr.Message), errs.WithCause(err))
		default:
			return errs.New(op, errs.CodeConnection, errs.WithMessage(pgErr.Message), errs.WithCause(err))
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.New(op, errs.CodeConnection, errs.WithMessage("operation interrupted"), errs.WithCause(err))
	}
	return errs.New(op, errs.CodeConnection, errs.WithCause(err))
}

var _ eventstore.Store = (*EventStore)(nil)

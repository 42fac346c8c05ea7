// Package eventstore defines persistence contracts for the broker's durable event log.
package eventstore

import (
	"context"
	"iter"
	"time"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/pkg/events"
)

// Query selects a replay window from the event log.
type Query struct {
	// Pattern filters by topic; the zero value selects every topic.
	Pattern events.Pattern
	// Since is an inclusive lower bound on CreatedAt; zero means the beginning.
	Since time.Time
	// Limit caps the number of events yielded; <= 0 means no limit.
	Limit int
}

// Store is the durable event log behind a broker. Implementations must be
// safe for concurrent use and behave identically apart from latency and
// persistence across restarts.
type Store interface {
	// Append durably records evt and returns its id. The event is committed
	// before Append returns nil. Appending an id that already exists is a no-op.
	Append(ctx context.Context, evt events.Event) (string, error)
	// Get loads a previously appended event or fails with CodeNotFound.
	Get(ctx context.Context, id string) (events.Event, error)
	// Query lazily yields matching events ordered by CreatedAt ascending.
	// Every range over the returned sequence re-runs the query.
	Query(ctx context.Context, q Query) iter.Seq2[events.Event, error]
	// Purge deletes events created before cutoff and reports how many were removed.
	Purge(ctx context.Context, before time.Time) (int64, error)
	// Close releases the backend handle if the store owns it.
	Close() error
}

// Collect drains a query into a slice, stopping at the first error.
func Collect(seq iter.Seq2[events.Event, error]) ([]events.Event, error) {
	var out []events.Event
	for evt, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// NotFound builds the canonical missing-event error for op.
func NotFound(op, id string) error {
	return errs.New(op, errs.CodeNotFound, errs.WithMessage("event "+id+" not found"))
}

// Closed builds the canonical error for operations on a closed store.
func Closed(op string) error {
	return errs.New(op, errs.CodeUnavailable, errs.WithMessage("store closed"))
}

// Single yields one error and stops; used by Query when it cannot start.
func Single(err error) iter.Seq2[events.Event, error] {
	return func(yield func(events.Event, error) bool) {
		yield(events.Event{}, err)
	}
}

package eventstore

import (
	"context"
	"iter"
	"time"

	"github.com/coachpo/yapper/pkg/events"
)

// DefaultPageSize bounds how many rows a backend materialises per round trip.
const DefaultPageSize = 256

// Cursor marks the last row yielded by a paged query. Backends order by
// (created_at, seq) and resume strictly after the cursor.
type Cursor struct {
	CreatedAt time.Time
	Seq       int64
	Valid     bool
}

// Row is an event together with its backend insertion sequence.
type Row struct {
	Event events.Event
	Seq   int64
}

// PageFunc fetches up to size rows matching q strictly after cursor.
type PageFunc func(ctx context.Context, q Query, after Cursor, size int) ([]Row, error)

// Paginate turns a page fetcher into a lazy sequence. Pages are fully read
// before any event is yielded so no backend connection is held while the
// caller processes events.
func Paginate(ctx context.Context, q Query, pageSize int, fetch PageFunc) iter.Seq2[events.Event, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(events.Event, error) bool) {
		var cursor Cursor
		remaining := q.Limit
		for {
			size := pageSize
			if q.Limit > 0 && remaining < size {
				size = remaining
			}
			rows, err := fetch(ctx, q, cursor, size)
			if err != nil {
				yield(events.Event{}, err)
				return
			}
			for _, row := range rows {
				if !yield(row.Event, nil) {
					return
				}
			}
			if q.Limit > 0 {
				remaining -= len(rows)
				if remaining <= 0 {
					return
				}
			}
			if len(rows) < size {
				return
			}
			last := rows[len(rows)-1]
			cursor = Cursor{CreatedAt: last.Event.CreatedAt, Seq: last.Seq, Valid: true}
		}
	}
}

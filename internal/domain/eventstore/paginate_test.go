package eventstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/pkg/events"
)

type fakePages struct {
	rows    []Row
	calls   int
	cursors []Cursor
	sizes   []int
	failAt  int
}

func newFakePages(n int) *fakePages {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakePages{failAt: -1}
	for i := 0; i < n; i++ {
		f.rows = append(f.rows, Row{
			Event: events.Event{ID: fmt.Sprintf("e%02d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)},
			Seq:   int64(i + 1),
		})
	}
	return f
}

func (f *fakePages) fetch(_ context.Context, _ Query, after Cursor, size int) ([]Row, error) {
	f.calls++
	f.cursors = append(f.cursors, after)
	f.sizes = append(f.sizes, size)
	if f.failAt == f.calls {
		return nil, errs.New("fake/fetch", errs.CodeConnection)
	}
	start := 0
	if after.Valid {
		for i, row := range f.rows {
			if row.Seq == after.Seq {
				start = i + 1
			}
		}
	}
	end := min(start+size, len(f.rows))
	return append([]Row(nil), f.rows[start:end]...), nil
}

func ids(evts []events.Event) []string {
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.ID)
	}
	return out
}

func TestPaginateWalksAllPages(t *testing.T) {
	pages := newFakePages(7)
	got, err := Collect(Paginate(context.Background(), Query{}, 3, pages.fetch))
	require.NoError(t, err)
	require.Len(t, got, 7)
	require.Equal(t, "e00", got[0].ID)
	require.Equal(t, "e06", got[6].ID)
	require.Equal(t, 3, pages.calls, "short third page ends the walk")
	require.False(t, pages.cursors[0].Valid)
	require.Equal(t, int64(3), pages.cursors[1].Seq)
	require.Equal(t, pages.rows[2].Event.CreatedAt, pages.cursors[1].CreatedAt)
}

func TestPaginateExactMultipleFetchesEmptyPage(t *testing.T) {
	pages := newFakePages(6)
	got, err := Collect(Paginate(context.Background(), Query{}, 3, pages.fetch))
	require.NoError(t, err)
	require.Len(t, got, 6)
	require.Equal(t, 3, pages.calls)
}

func TestPaginateHonoursLimit(t *testing.T) {
	pages := newFakePages(10)
	got, err := Collect(Paginate(context.Background(), Query{Limit: 5}, 3, pages.fetch))
	require.NoError(t, err)
	require.Equal(t, []string{"e00", "e01", "e02", "e03", "e04"}, ids(got))
	require.Equal(t, []int{3, 2}, pages.sizes, "the last page is shrunk to the remaining limit")
}

func TestPaginateStopsWhenConsumerBreaks(t *testing.T) {
	pages := newFakePages(10)
	n := 0
	for _, err := range Paginate(context.Background(), Query{}, 2, pages.fetch) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	require.Equal(t, 2, pages.calls)
}

func TestPaginateYieldsFetchError(t *testing.T) {
	pages := newFakePages(10)
	pages.failAt = 2
	got, err := Collect(Paginate(context.Background(), Query{}, 4, pages.fetch))
	require.True(t, errs.IsCode(err, errs.CodeConnection))
	require.Len(t, got, 4, "events before the failure are still delivered")
}

func TestPaginateIsRestartable(t *testing.T) {
	pages := newFakePages(3)
	seq := Paginate(context.Background(), Query{}, 0, pages.fetch)
	first, err := Collect(seq)
	require.NoError(t, err)
	second, err := Collect(seq)
	require.NoError(t, err)
	require.Equal(t, ids(first), ids(second))
	require.Equal(t, []int{DefaultPageSize, DefaultPageSize}, pages.sizes)
}

func TestHelpers(t *testing.T) {
	require.True(t, errs.IsCode(NotFound("op", "x"), errs.CodeNotFound))
	require.True(t, errs.IsCode(Closed("op"), errs.CodeUnavailable))

	boom := errors.New("boom")
	got, err := Collect(Single(boom))
	require.Empty(t, got)
	require.ErrorIs(t, err, boom)
}

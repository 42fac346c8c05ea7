package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/yapper/internal/domain/eventstore"
	"github.com/coachpo/yapper/internal/domain/eventstore/storetest"
	"github.com/coachpo/yapper/pkg/events"
)

func TestEventStoreContractInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) eventstore.Store {
		store, err := Open(context.Background(), "")
		require.NoError(t, err)
		return store
	})
}

func TestEventStoreContractOnDisk(t *testing.T) {
	storetest.Run(t, func(t *testing.T) eventstore.Store {
		store, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"), WithPageSize(2))
		require.NoError(t, err)
		return store
	})
}

func TestEventStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "yapper.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	require.Equal(t, path, store.Path())
	evt := storetest.MustEvent(t, storetest.NewClock(), "campus.circles.user.add", events.Payload{"user": "a@x.com"})
	_, err = store.Append(ctx, evt)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, evt.ID)
	require.NoError(t, err)
	storetest.RequireSameEvent(t, evt, got)
}

func TestInMemoryPathIsEmpty(t *testing.T) {
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.Empty(t, store.Path())
}

func TestQueryPagesAcrossSmallPages(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, "", WithPageSize(3))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := storetest.NewClock()
	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		evt := storetest.MustEvent(t, clock, "pages.item", events.Payload{"i": i})
		_, err := store.Append(ctx, evt)
		require.NoError(t, err)
		want = append(want, evt.ID)
	}

	got, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Pattern: events.MustPattern("pages.*")}))
	require.NoError(t, err)
	require.Equal(t, want, storetest.IDs(got))

	limited, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Limit: 7}))
	require.NoError(t, err)
	require.Equal(t, want[:7], storetest.IDs(limited))
}

func TestBuildPageQueryFilters(t *testing.T) {
	query, args := buildPageQuery(eventstore.Query{Pattern: events.MustPattern("a.b.*")}, eventstore.Cursor{}, 5)
	require.True(t, strings.Contains(query, "substr(topic, 1, ?) = ?"), query)
	require.Equal(t, []any{4, "a.b.", 4, 5}, args)

	query, args = buildPageQuery(eventstore.Query{Pattern: events.MustPattern("*")}, eventstore.Cursor{}, 5)
	require.False(t, strings.Contains(query, "WHERE"), query)
	require.Equal(t, []any{5}, args)
}

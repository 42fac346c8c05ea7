// Package storetest holds the behavioural contract every eventstore.Store must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/internal/domain/eventstore"
	"github.com/coachpo/yapper/pkg/events"
)

// Factory opens a fresh, empty store for a single test. The suite closes it.
type Factory func(t *testing.T) eventstore.Store

// Run executes the full contract against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, eventstore.Store)
	}{
		{"AppendThenGetRoundTrips", testAppendGet},
		{"GetMissingIsNotFound", testGetMissing},
		{"AppendDuplicateIDIsNoop", testAppendDuplicate},
		{"AppendRejectsMalformedEvents", testAppendMalformed},
		{"AppendRejectsUnstorableText", testAppendUnstorableText},
		{"LargeIntegersAndSpecialTextRoundTrip", testExactPayloads},
		{"QueryFiltersAndOrders", testQueryFilters},
		{"QuerySinceAndLimit", testQuerySinceLimit},
		{"QueryIsRestartable", testQueryRestartable},
		{"QueryStopsEarly", testQueryEarlyStop},
		{"PurgeRemovesOlderEvents", testPurge},
		{"ConcurrentAppends", testConcurrentAppends},
		{"ClosedStoreRejectsCalls", testClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store)
		})
	}
}

// Base is the first timestamp handed out by NewClock.
var Base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewClock returns a deterministic clock that advances one millisecond per call.
func NewClock() *events.Clock {
	var mu sync.Mutex
	next := Base
	return events.NewClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := next
		next = next.Add(time.Millisecond)
		return ts
	})
}

// MustEvent builds a valid event or fails the test.
func MustEvent(t *testing.T, clock *events.Clock, topic string, payload events.Payload) events.Event {
	t.Helper()
	evt, err := events.New(topic, payload, "contract-client", clock)
	require.NoError(t, err)
	return evt
}

// RequireSameEvent asserts two events are field-for-field equal.
func RequireSameEvent(t *testing.T, want, got events.Event) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Topic, got.Topic)
	require.Equal(t, want.Origin, got.Origin)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %s got %s", want.CreatedAt, got.CreatedAt)
	require.Equal(t, want.Payload, got.Payload)
}

// IDs extracts event ids in order.
func IDs(list []events.Event) []string {
	out := make([]string, 0, len(list))
	for _, evt := range list {
		out = append(out, evt.ID)
	}
	return out
}

func testAppendGet(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	clock := NewClock()
	evt := MustEvent(t, clock, "campus.circles.user.add", events.Payload{
		"user":   "a@x.com",
		"circle": "robotics",
		"count":  2,
		"active": true,
		"none":   nil,
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"k": "v", "n": 1.5},
	})

	id, err := store.Append(ctx, evt)
	require.NoError(t, err)
	require.Equal(t, evt.ID, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	RequireSameEvent(t, evt, got)
}

func testGetMissing(t *testing.T, store eventstore.Store) {
	_, err := store.Get(context.Background(), "0190c7c4-0000-7000-8000-000000000000")
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeNotFound), "got %v", err)
}

func testAppendDuplicate(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	evt := MustEvent(t, NewClock(), "x.a", events.Payload{"n": 1})

	_, err := store.Append(ctx, evt)
	require.NoError(t, err)
	_, err = store.Append(ctx, evt)
	require.NoError(t, err)

	all, err := eventstore.Collect(store.Query(ctx, eventstore.Query{}))
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testAppendMalformed(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	evt := MustEvent(t, NewClock(), "x.a", nil)

	noID := evt
	noID.ID = ""
	_, err := store.Append(ctx, noID)
	require.True(t, errs.IsCode(err, errs.CodeConstraint), "got %v", err)

	badTopic := evt
	badTopic.Topic = "x..a"
	_, err = store.Append(ctx, badTopic)
	require.True(t, errs.IsCode(err, errs.CodeConstraint), "got %v", err)

	_, err = store.Get(ctx, evt.ID)
	require.True(t, errs.IsCode(err, errs.CodeNotFound), "rejected events must not persist: %v", err)
}

func testAppendUnstorableText(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	evt := MustEvent(t, NewClock(), "x.a", events.Payload{"s": "ok"})

	nulPayload := evt
	nulPayload.Payload = events.Payload{"s": "a\x00b"}
	_, err := store.Append(ctx, nulPayload)
	require.True(t, errs.IsCode(err, errs.CodeConstraint), "got %v", err)

	nulOrigin := evt
	nulOrigin.Origin = "client\x00"
	_, err = store.Append(ctx, nulOrigin)
	require.True(t, errs.IsCode(err, errs.CodeConstraint), "got %v", err)

	badUTF8 := evt
	badUTF8.Origin = "client\xff"
	_, err = store.Append(ctx, badUTF8)
	require.True(t, errs.IsCode(err, errs.CodeConstraint), "got %v", err)

	_, err = store.Get(ctx, evt.ID)
	require.True(t, errs.IsCode(err, errs.CodeNotFound), "rejected events must not persist: %v", err)
}

func testExactPayloads(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	const big = int64(9007199254740993)
	evt := MustEvent(t, NewClock(), "ledger.entry", events.Payload{
		"amount":   big,
		"negative": int64(-9007199254740993),
		"list":     []any{big, 0.25},
		"quote":    `she said "hi" \ bye`,
		"unicode":  "café ☕ 日本語 🚀",
		"control":  "line\nbreak\ttab",
		"html":     "<a href='x'>&amp;</a>",
	})

	_, err := store.Append(ctx, evt)
	require.NoError(t, err)
	got, err := store.Get(ctx, evt.ID)
	require.NoError(t, err)
	RequireSameEvent(t, evt, got)

	amount, ok := got.Payload["amount"].(json.Number)
	require.True(t, ok, "numbers decode as json.Number, got %T", got.Payload["amount"])
	n, err := amount.Int64()
	require.NoError(t, err)
	require.Equal(t, big, n)

	listed, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Pattern: events.MustPattern("ledger.*")}))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	RequireSameEvent(t, evt, listed[0])
}

func seed(t *testing.T, store eventstore.Store, topics ...string) []events.Event {
	t.Helper()
	clock := NewClock()
	out := make([]events.Event, 0, len(topics))
	for i, topic := range topics {
		evt := MustEvent(t, clock, topic, events.Payload{"i": i})
		_, err := store.Append(context.Background(), evt)
		require.NoError(t, err)
		out = append(out, evt)
	}
	return out
}

func testQueryFilters(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	seeded := seed(t, store,
		"a.b",
		"a.b.c",
		"a.c",
		"a.b.c.d",
		"ab_c.d",
		"abXc.d",
	)

	all, err := eventstore.Collect(store.Query(ctx, eventstore.Query{}))
	require.NoError(t, err)
	require.Equal(t, IDs(seeded), IDs(all))

	star, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Pattern: events.MustPattern("*")}))
	require.NoError(t, err)
	require.Equal(t, IDs(seeded), IDs(star))

	wild, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Pattern: events.MustPattern("a.b.*")}))
	require.NoError(t, err)
	require.Equal(t, []string{seeded[1].ID, seeded[3].ID}, IDs(wild))

	exact, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Pattern: events.MustPattern("a.b")}))
	require.NoError(t, err)
	require.Equal(t, []string{seeded[0].ID}, IDs(exact))

	underscore, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Pattern: events.MustPattern("ab_c.*")}))
	require.NoError(t, err)
	require.Equal(t, []string{seeded[4].ID}, IDs(underscore))

	for i, evt := range all {
		RequireSameEvent(t, seeded[i], evt)
	}
}

func testQuerySinceLimit(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	seeded := seed(t, store, "q.a", "q.b", "q.c", "q.d", "q.e")

	since, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Since: seeded[2].CreatedAt}))
	require.NoError(t, err)
	require.Equal(t, IDs(seeded[2:]), IDs(since))

	limited, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Limit: 2}))
	require.NoError(t, err)
	require.Equal(t, IDs(seeded[:2]), IDs(limited))

	window, err := eventstore.Collect(store.Query(ctx, eventstore.Query{
		Pattern: events.MustPattern("q.*"),
		Since:   seeded[1].CreatedAt,
		Limit:   3,
	}))
	require.NoError(t, err)
	require.Equal(t, IDs(seeded[1:4]), IDs(window))

	future, err := eventstore.Collect(store.Query(ctx, eventstore.Query{Since: seeded[4].CreatedAt.Add(time.Hour)}))
	require.NoError(t, err)
	require.Empty(t, future)
}

func testQueryRestartable(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	seed(t, store, "r.a", "r.b", "r.c")

	seq := store.Query(ctx, eventstore.Query{Pattern: events.MustPattern("r.*")})
	first, err := eventstore.Collect(seq)
	require.NoError(t, err)
	second, err := eventstore.Collect(seq)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.Equal(t, IDs(first), IDs(second))
}

func testQueryEarlyStop(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	seeded := seed(t, store, "s.a", "s.b", "s.c")

	var got []string
	for evt, err := range store.Query(ctx, eventstore.Query{}) {
		require.NoError(t, err)
		got = append(got, evt.ID)
		break
	}
	require.Equal(t, []string{seeded[0].ID}, got)

	// The store stays usable after an abandoned iteration.
	_, err := store.Get(ctx, seeded[2].ID)
	require.NoError(t, err)
}

func testPurge(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	seeded := seed(t, store, "p.a", "p.b", "p.c")

	removed, err := store.Purge(ctx, seeded[2].CreatedAt)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	rest, err := eventstore.Collect(store.Query(ctx, eventstore.Query{}))
	require.NoError(t, err)
	require.Equal(t, []string{seeded[2].ID}, IDs(rest))

	_, err = store.Get(ctx, seeded[0].ID)
	require.True(t, errs.IsCode(err, errs.CodeNotFound), "got %v", err)
}

func testConcurrentAppends(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	clock := NewClock()
	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				evt, err := events.New(fmt.Sprintf("c.w%d", w), events.Payload{"i": i}, "contract-client", clock)
				if err != nil {
					errCh <- err
					return
				}
				if _, err := store.Append(ctx, evt); err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	all, err := eventstore.Collect(store.Query(ctx, eventstore.Query{}))
	require.NoError(t, err)
	require.Len(t, all, writers*perWriter)
	seen := make(map[string]struct{}, len(all))
	for i, evt := range all {
		seen[evt.ID] = struct{}{}
		if i > 0 {
			require.False(t, evt.CreatedAt.Before(all[i-1].CreatedAt), "query must be ordered by created_at")
		}
	}
	require.Len(t, seen, writers*perWriter)
}

func testClosed(t *testing.T, store eventstore.Store) {
	ctx := context.Background()
	evt := MustEvent(t, NewClock(), "z.a", nil)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close must be idempotent")

	_, err := store.Append(ctx, evt)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable), "got %v", err)
	_, err = store.Get(ctx, evt.ID)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable), "got %v", err)
	_, err = eventstore.Collect(store.Query(ctx, eventstore.Query{}))
	require.True(t, errs.IsCode(err, errs.CodeUnavailable), "got %v", err)
}

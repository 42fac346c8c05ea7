package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/internal/domain/eventstore"
	"github.com/coachpo/yapper/internal/domain/eventstore/storetest"
	"github.com/coachpo/yapper/internal/infra/persistence/migrations"
	"github.com/coachpo/yapper/internal/infra/persistence/sqlite"
	"github.com/coachpo/yapper/pkg/events"
)

// startPostgres launches a disposable server with the schema applied and
// returns its DSN. Skips when no container runtime is available.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "yapper"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/yapper?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, migrations.Embedded, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return dsn
}

func TestMigrationVersionAfterApply(t *testing.T) {
	dsn := startPostgres(t)
	version, dirty, err := migrations.Version(context.Background(), dsn, migrations.Embedded, nil)
	require.NoError(t, err)
	require.Equal(t, uint(1), version)
	require.False(t, dirty)
}

func TestEventStoreContractPostgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	storetest.Run(t, func(t *testing.T) eventstore.Store {
		_, err := pool.Exec(ctx, "TRUNCATE events")
		require.NoError(t, err)
		return New(pool, WithPageSize(2))
	})

	// Closing a store over a shared pool leaves the pool usable.
	require.NoError(t, pool.Ping(ctx))
}

func TestOwnedStoreRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	store, err := Open(ctx, dsn, WithMaxConns(2), WithPoolName("test"))
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	require.EqualValues(t, 2, store.Pool().Config().MaxConns)

	evt := storetest.MustEvent(t, storetest.NewClock(), "google.forms.submit", events.Payload{"form": "rsvp"})
	_, err = store.Append(ctx, evt)
	require.NoError(t, err)
	got, err := store.Get(ctx, evt.ID)
	require.NoError(t, err)
	storetest.RequireSameEvent(t, evt, got)

	_, err = store.Get(ctx, "not-a-uuid")
	require.Error(t, err)
	require.NoError(t, store.Close())
}

// TestBackendParity feeds the same events to both backends and requires
// identical query results.
func TestBackendParity(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	pg, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	lite, err := sqlite.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })

	clock := storetest.NewClock()
	topics := []string{
		"campus.circles.user.add",
		"campus.circles.user.remove",
		"campus.events.rsvp",
		"google.forms.submit",
		"ab_c.d",
		"abXc.d",
	}
	for i, topic := range topics {
		evt := storetest.MustEvent(t, clock, topic, events.Payload{
			"i":      i,
			"text":   "héllo \"quoted\"",
			"nested": map[string]any{"list": []any{1, "two", nil, true}},
			"big":    int64(9007199254740993) + int64(i),
		})
		_, err := pg.Append(ctx, evt)
		require.NoError(t, err)
		_, err = lite.Append(ctx, evt)
		require.NoError(t, err)
	}

	nul := storetest.MustEvent(t, clock, "campus.nul", nil)
	nul.Payload = events.Payload{"s": "a\x00b"}
	_, pgErr := pg.Append(ctx, nul)
	_, liteErr := lite.Append(ctx, nul)
	require.Equal(t, errs.CodeOf(liteErr), errs.CodeOf(pgErr), "both backends reject NUL text alike")
	require.True(t, errs.IsCode(pgErr, errs.CodeConstraint), "got %v", pgErr)

	queries := []eventstore.Query{
		{},
		{Pattern: events.MustPattern("*")},
		{Pattern: events.MustPattern("campus.*")},
		{Pattern: events.MustPattern("campus.circles.*")},
		{Pattern: events.MustPattern("google.forms.submit")},
		{Pattern: events.MustPattern("ab_c.*")},
		{Since: storetest.Base.Add(2 * time.Millisecond)},
		{Pattern: events.MustPattern("campus.*"), Limit: 2},
	}
	for _, q := range queries {
		want, err := eventstore.Collect(lite.Query(ctx, q))
		require.NoError(t, err)
		got, err := eventstore.Collect(pg.Query(ctx, q))
		require.NoError(t, err)
		require.Len(t, got, len(want), "query %+v", q)
		for i := range want {
			storetest.RequireSameEvent(t, want[i], got[i])
		}
	}
}

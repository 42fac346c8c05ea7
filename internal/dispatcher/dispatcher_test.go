package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/pkg/events"
)

func newDispatcher(t *testing.T, cfg Config) (*Registry, *Dispatcher) {
	t.Helper()
	r := NewRegistry()
	d, err := New(r, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return r, d
}

func mustEvent(t *testing.T, topic string) events.Event {
	t.Helper()
	evt, err := events.New(topic, events.Payload{"k": "v"}, "tester", nil)
	require.NoError(t, err)
	return evt
}

func outcomes(report Report) map[string]Outcome {
	out := make(map[string]Outcome, len(report.Results))
	for _, res := range report.Results {
		out[res.ClientID] = res.Outcome
	}
	return out
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(nil, Config{})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestConfigDefaults(t *testing.T) {
	_, d := newDispatcher(t, Config{})
	cfg := d.Config()
	require.Positive(t, cfg.Workers)
	require.Equal(t, DefaultQueueSize, cfg.QueueSize)
	require.Equal(t, DefaultHandlerTimeout, cfg.HandlerTimeout)
	require.Equal(t, DefaultMaxDepth, cfg.MaxDepth)
	require.NotNil(t, d.Registry())
}

func TestDispatchNoSubscribers(t *testing.T) {
	_, d := newDispatcher(t, Config{Workers: 1})
	report := d.Dispatch(context.Background(), mustEvent(t, "nobody.listens"))
	require.Empty(t, report.Results)
}

func TestDispatchDeliversToAllMatches(t *testing.T) {
	r, d := newDispatcher(t, Config{Workers: 2})
	var got sync.Map
	for _, client := range []string{"a", "b", "c"} {
		client := client
		require.NoError(t, r.Register(client, "campus.circles.*", func(_ context.Context, evt events.Event) error {
			got.Store(client, evt.ID)
			return nil
		}))
	}
	require.NoError(t, r.Register("d", "google.*", noop))

	evt := mustEvent(t, "campus.circles.user.add")
	report := d.Dispatch(context.Background(), evt)
	require.Len(t, report.Results, 3)
	require.Equal(t, 3, report.Count(OutcomeDelivered))
	require.Empty(t, report.Failed())
	for _, client := range []string{"a", "b", "c"} {
		id, ok := got.Load(client)
		require.True(t, ok, "client %s not invoked", client)
		require.Equal(t, evt.ID, id)
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	r, d := newDispatcher(t, Config{Workers: 4, HandlerTimeout: 50 * time.Millisecond})
	var healthy atomic.Int32
	require.NoError(t, r.Register("erroring", "x.*", func(context.Context, events.Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, r.Register("panicking", "x.*", func(context.Context, events.Event) error {
		panic("kaboom")
	}))
	require.NoError(t, r.Register("slow", "x.*", func(ctx context.Context, _ events.Event) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	}))
	require.NoError(t, r.Register("healthy", "x.*", func(context.Context, events.Event) error {
		healthy.Add(1)
		return nil
	}))

	report := d.Dispatch(context.Background(), mustEvent(t, "x.a"))
	got := outcomes(report)
	require.Equal(t, OutcomeHandlerError, got["erroring"])
	require.Equal(t, OutcomeHandlerError, got["panicking"])
	require.Equal(t, OutcomeTimeout, got["slow"])
	require.Equal(t, OutcomeDelivered, got["healthy"])
	require.Equal(t, int32(1), healthy.Load())
	require.Len(t, report.Failed(), 3)
}

func TestTimedOutHandlerReleasesWorker(t *testing.T) {
	r, d := newDispatcher(t, Config{Workers: 1, HandlerTimeout: 20 * time.Millisecond})
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, r.Register("stuck", "stuck.topic", func(context.Context, events.Event) error {
		<-block
		return nil
	}))
	require.NoError(t, r.Register("fast", "fast.topic", noop))

	first := d.Dispatch(context.Background(), mustEvent(t, "stuck.topic"))
	require.Equal(t, OutcomeTimeout, outcomes(first)["stuck"])

	second := d.Dispatch(context.Background(), mustEvent(t, "fast.topic"))
	require.Equal(t, OutcomeDelivered, outcomes(second)["fast"])
}

func TestHandlersReceiveIsolatedCopies(t *testing.T) {
	r, d := newDispatcher(t, Config{Workers: 2})
	require.NoError(t, r.Register("mutator", "m.*", func(_ context.Context, evt events.Event) error {
		evt.Payload["k"] = "mutated"
		return nil
	}))
	evt := mustEvent(t, "m.a")
	d.Dispatch(context.Background(), evt)
	require.Equal(t, "v", evt.Payload["k"])
}

func TestRecursionLimit(t *testing.T) {
	r, d := newDispatcher(t, Config{Workers: 2, MaxDepth: 3})
	var ran atomic.Int32
	var seenDepth atomic.Int32
	require.NoError(t, r.Register("loop", "loop.*", func(ctx context.Context, _ events.Event) error {
		ran.Add(1)
		seenDepth.Store(int32(DepthFrom(ctx)))
		return nil
	}))

	ok := d.Dispatch(WithDepth(context.Background(), 2), mustEvent(t, "loop.a"))
	require.Equal(t, OutcomeDelivered, outcomes(ok)["loop"])
	require.Equal(t, 2, ok.Depth)
	require.Equal(t, int32(3), seenDepth.Load(), "handlers run one level deeper")

	limited := d.Dispatch(WithDepth(context.Background(), 3), mustEvent(t, "loop.a"))
	res := limited.Results[0]
	require.Equal(t, OutcomeRecursionLimit, res.Outcome)
	require.True(t, errs.IsCode(res.Err, errs.CodeRecursionLimit))
	require.Equal(t, int32(1), ran.Load(), "handler must not run past the limit")
}

func TestCancelledContextMarksHandlersCancelled(t *testing.T) {
	r, d := newDispatcher(t, Config{Workers: 1})
	started := make(chan struct{})
	require.NoError(t, r.Register("long", "c.*", func(ctx context.Context, _ events.Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	report := d.Dispatch(ctx, mustEvent(t, "c.a"))
	require.Equal(t, OutcomeCancelled, outcomes(report)["long"])

	again := d.Dispatch(ctx, mustEvent(t, "c.b"))
	require.Equal(t, OutcomeCancelled, outcomes(again)["long"])
}

func TestDispatchAfterCloseIsCancelled(t *testing.T) {
	r, d := newDispatcher(t, Config{Workers: 1})
	require.NoError(t, r.Register("late", "l.*", noop))
	require.NoError(t, d.Close(context.Background()))

	report := d.Dispatch(context.Background(), mustEvent(t, "l.a"))
	require.Equal(t, OutcomeCancelled, outcomes(report)["late"])
	require.True(t, errs.IsCode(report.Results[0].Err, errs.CodeUnavailable))
}

func TestReplayMarker(t *testing.T) {
	_, d := newDispatcher(t, Config{Workers: 1})
	require.False(t, IsReplay(context.Background()))
	report := d.Dispatch(WithReplay(context.Background()), mustEvent(t, "r.a"))
	require.True(t, report.Replay)
	require.Equal(t, 0, DepthFrom(context.Background()))
}

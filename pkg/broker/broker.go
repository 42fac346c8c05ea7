// Package broker is the public entry point: it persists emitted events and
// routes them to the handlers registered for their topics.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/internal/dispatcher"
	"github.com/coachpo/yapper/internal/domain/eventstore"
	"github.com/coachpo/yapper/internal/infra/telemetry"
	"github.com/coachpo/yapper/internal/observability"
	"github.com/coachpo/yapper/pkg/events"
)

// State is the broker lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes one delivered event. ctx is cancelled on handler timeout
// or when the broker stops; events emitted with it count as nested.
type Handler = dispatcher.Handler

// DeadLetter pairs an event with a handler result that was not delivered.
type DeadLetter struct {
	Event  events.Event
	Result dispatcher.HandlerResult
}

// Broker composes a Store, a Registry, and a Dispatcher behind the
// OnEvent/Emit/Run/Stop surface. Multiple brokers may coexist in one process.
type Broker struct {
	clientID   string
	store      eventstore.Store
	registry   *dispatcher.Registry
	dispatcher *dispatcher.Dispatcher
	clock      *events.Clock
	limiter    *rate.Limiter
	logger     observability.Logger
	opts       options
	dlq        *observability.DeadLetterQueue[DeadLetter]

	mu        sync.Mutex
	state     State
	runCtx    context.Context
	runCancel context.CancelFunc
	bgCancel  context.CancelFunc
	stopped   chan struct{}
	stopErr   error

	inflight   tracker
	background conc.WaitGroup

	localMu sync.Mutex
	local   map[string]time.Time

	emitCounter  metric.Int64Counter
	emitDuration metric.Float64Histogram
}

// New builds a broker for clientID over store. The store is shared: Stop
// leaves it open for its owner.
func New(clientID string, store eventstore.Store, opts ...Option) (*Broker, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, errs.New("broker/new", errs.CodeInvalid, errs.WithMessage("client id is required"))
	}
	if store == nil {
		return nil, errs.New("broker/new", errs.CodeInvalid, errs.WithMessage("store is required"))
	}

	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := observability.Or(o.logger)

	registry := dispatcher.NewRegistry()
	d, err := dispatcher.New(registry, o.dispatch, dispatcher.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("broker dispatcher: %w", err)
	}

	clock := o.clock
	if clock == nil {
		clock = events.NewClock(nil)
	}

	b := &Broker{
		clientID:   clientID,
		store:      store,
		registry:   registry,
		dispatcher: d,
		clock:      clock,
		logger:     logger,
		opts:       o,
		dlq:        observability.NewDeadLetterQueue[DeadLetter](o.deadLetters),
		state:      StateCreated,
		stopped:    make(chan struct{}),
		local:      make(map[string]time.Time),
	}
	if o.emitRate > 0 {
		burst := o.emitBurst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(o.emitRate), burst)
	}

	meter := otel.Meter("broker")
	b.emitCounter, _ = meter.Int64Counter("yapper_emit_total",
		metric.WithDescription("Emit calls by result"),
		metric.WithUnit("{event}"))
	b.emitDuration, _ = meter.Float64Histogram("yapper_emit_duration",
		metric.WithDescription("Emit latency up to durable persistence"),
		metric.WithUnit("ms"))
	return b, nil
}

// ClientID returns the identity stamped as origin on emitted events.
func (b *Broker) ClientID() string { return b.clientID }

// Store exposes the backing event log for reads.
func (b *Broker) Store() eventstore.Store { return b.store }

// Registry exposes the subscription registry.
func (b *Broker) Registry() *dispatcher.Registry { return b.registry }

// State returns the current lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnEvent registers handler for pattern under the broker's own client id.
func (b *Broker) OnEvent(pattern string, handler Handler) error {
	return b.Register(b.clientID, pattern, handler)
}

// Register subscribes clientID to pattern, replacing any handler it already
// had for that pattern. Allowed until the broker stops.
func (b *Broker) Register(clientID, pattern string, handler Handler) error {
	if b.State() == StateStopped {
		return errs.New("broker/register", errs.CodeNotRunning, errs.WithMessage("broker stopped"))
	}
	return b.registry.Register(clientID, pattern, handler)
}

// Unregister removes one subscription. Absent subscriptions are ignored.
func (b *Broker) Unregister(clientID, pattern string) {
	b.registry.Unregister(clientID, pattern)
}

// UnregisterClient removes every subscription of clientID and reports how many were removed.
func (b *Broker) UnregisterClient(clientID string) int {
	return b.registry.UnregisterClient(clientID)
}

// Emit persists an event on topic and schedules its dispatch. It returns once
// the event is durable; handlers run afterwards. A returned error means the
// event was not recorded. Emitting with a handler's ctx nests the dispatch.
func (b *Broker) Emit(ctx context.Context, topic string, payload events.Payload) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	id, err := b.emit(ctx, topic, payload)
	b.recordEmit(ctx, topic, err, time.Since(start))
	return id, err
}

func (b *Broker) emit(ctx context.Context, topic string, payload events.Payload) (string, error) {
	if state := b.State(); state != StateRunning {
		return "", errs.New("broker/emit", errs.CodeNotRunning,
			errs.WithMessage(fmt.Sprintf("broker is %s", state)))
	}
	if err := events.ValidateTopic(topic); err != nil {
		return "", err
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return "", errs.New("broker/emit", errs.CodeUnavailable,
				errs.WithMessage("emit rate limit"), errs.WithCause(err))
		}
	}

	evt, err := events.New(topic, payload, b.clientID, b.clock)
	if err != nil {
		return "", err
	}
	b.markLocal(evt)
	id, err := b.store.Append(ctx, evt)
	if err != nil {
		b.forgetLocal(evt.ID)
		return "", fmt.Errorf("broker emit: %w", err)
	}

	depth := dispatcher.DepthFrom(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		b.logger.Info("event persisted after stop; not dispatched",
			observability.F("event_id", id),
			observability.F("topic", topic))
		return id, nil
	}
	dctx := dispatcher.WithDepth(b.runCtx, depth)
	b.inflight.add()
	go func() {
		defer b.inflight.done()
		b.handleReport(b.dispatcher.Dispatch(dctx, evt))
	}()
	return id, nil
}

func (b *Broker) recordEmit(ctx context.Context, topic string, err error, elapsed time.Duration) {
	result := telemetry.ResultSuccess
	if err != nil {
		result = string(errs.CodeOf(err))
		if result == "" {
			result = telemetry.ResultError
		}
	}
	attrs := metric.WithAttributes(telemetry.EmitAttributes(telemetry.Environment(), telemetry.TopicRoot(topic), result)...)
	ctx = context.WithoutCancel(ctx)
	if b.emitCounter != nil {
		b.emitCounter.Add(ctx, 1, attrs)
	}
	if b.emitDuration != nil {
		b.emitDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (b *Broker) handleReport(report dispatcher.Report) {
	for _, res := range report.Failed() {
		b.dlq.Offer(DeadLetter{Event: report.Event, Result: res})
	}
	if b.opts.reportHook != nil {
		b.opts.reportHook(report)
	}
}

// Start moves the broker to Running. When a replay window is configured the
// events persisted inside it are dispatched, oldest first, to the handlers
// registered at this point. Replay reads the backlog before Start returns,
// so a failing store leaves the broker in Created. From then on, unless
// polling is disabled, events other brokers append to the shared store are
// dispatched here as well.
func (b *Broker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateCreated {
		return errs.New("broker/start", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("broker is %s", b.state)))
	}

	now := b.clock.Now()
	var backlog []events.Event
	if b.opts.replaySince > 0 {
		since := now.Add(-b.opts.replaySince)
		var err error
		backlog, err = eventstore.Collect(b.store.Query(ctx, eventstore.Query{Since: since}))
		if err != nil {
			return fmt.Errorf("broker replay: %w", err)
		}
	}

	b.runCtx, b.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	var bgCtx context.Context
	bgCtx, b.bgCancel = context.WithCancel(b.runCtx)
	b.state = StateRunning
	b.logger.Info("broker started",
		observability.F("client_id", b.clientID),
		observability.F("backend", b.opts.backend),
		observability.F("replay", len(backlog)))

	if len(backlog) > 0 {
		rctx := dispatcher.WithReplay(b.runCtx)
		b.inflight.add()
		go func() {
			defer b.inflight.done()
			for _, evt := range backlog {
				if rctx.Err() != nil {
					return
				}
				b.handleReport(b.dispatcher.Dispatch(rctx, evt))
			}
		}()
	}
	if b.opts.pollInterval > 0 {
		f := newFollower(now, backlog)
		b.background.Go(func() { b.tailLoop(bgCtx, f) })
	}
	if b.opts.retention > 0 {
		b.background.Go(func() { b.sweepLoop(bgCtx) })
	}
	return nil
}

// Run starts the broker if needed and blocks until ctx is done or Stop is
// called, then stops it.
func (b *Broker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.State() == StateCreated {
		if err := b.Start(ctx); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
	case <-b.stopped:
		return b.stopResult()
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.stopGrace+shutdownSlack)
	defer cancel()
	return b.Stop(stopCtx)
}

const shutdownSlack = 5 * time.Second

// Stop rejects new emits, waits up to the stop grace for in-flight
// dispatches, then cancels the handlers still running. An owned store is
// closed. Calling Stop again returns the first result.
func (b *Broker) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	prev := b.state
	if prev == StateStopped {
		b.mu.Unlock()
		<-b.stopped
		return b.stopResult()
	}
	b.state = StateStopped
	b.mu.Unlock()

	var stepErrs []error
	if prev == StateRunning {
		b.bgCancel()
		if err := b.drain(ctx); err != nil {
			stepErrs = append(stepErrs, err)
		}
		b.runCancel()
		b.background.Wait()
	}
	if err := b.dispatcher.Close(ctx); err != nil {
		stepErrs = append(stepErrs, err)
	}
	if b.opts.ownsStore {
		if err := b.store.Close(); err != nil {
			stepErrs = append(stepErrs, fmt.Errorf("close store: %w", err))
		}
	}

	err := observability.JoinErrors(b.logger, "broker stop", stepErrs, observability.F("client_id", b.clientID))
	b.mu.Lock()
	b.stopErr = err
	b.mu.Unlock()
	close(b.stopped)
	b.logger.Info("broker stopped", observability.F("client_id", b.clientID))
	return err
}

// drain waits for in-flight dispatches, cancelling their handlers once the
// grace period or ctx runs out.
func (b *Broker) drain(ctx context.Context) error {
	graceCtx, cancel := context.WithTimeout(ctx, b.opts.stopGrace)
	err := b.inflight.wait(graceCtx)
	cancel()
	if err == nil {
		return nil
	}

	b.logger.Info("stop grace elapsed; cancelling handlers",
		observability.F("client_id", b.clientID),
		observability.F("in_flight", b.inflight.len()))
	b.runCancel()
	if err := b.inflight.wait(ctx); err != nil {
		return fmt.Errorf("waiting for dispatches: %w", err)
	}
	return nil
}

func (b *Broker) stopResult() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopErr
}

// Done is closed once Stop has finished.
func (b *Broker) Done() <-chan struct{} { return b.stopped }

// Wait blocks until every dispatch scheduled before the call, including the
// nested dispatches they trigger, has finished or ctx is done. It is safe to
// call concurrently with Emit.
func (b *Broker) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return b.inflight.wait(ctx)
}

// DeadLetters drains the handler results that were not delivered.
func (b *Broker) DeadLetters() []DeadLetter {
	return b.dlq.Drain()
}

// Sweep purges events older than the retention window and reports how many
// were removed. Without a retention window it removes nothing.
func (b *Broker) Sweep(ctx context.Context) (int64, error) {
	if b.opts.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-b.opts.retention)
	n, err := b.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("broker sweep: %w", err)
	}
	if n > 0 {
		b.logger.Info("retention sweep purged events",
			observability.F("count", n),
			observability.F("cutoff", cutoff))
	}
	return n, nil
}

func (b *Broker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Sweep(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error("retention sweep failed", observability.F("error", err))
			}
		}
	}
}

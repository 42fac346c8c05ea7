package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/internal/infra/telemetry"
	"github.com/coachpo/yapper/internal/observability"
	"github.com/coachpo/yapper/lib/async"
	"github.com/coachpo/yapper/pkg/events"
)

const (
	// DefaultHandlerTimeout bounds a single handler invocation.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultMaxDepth bounds nested emits made from inside handlers.
	DefaultMaxDepth = 8
	// DefaultQueueSize is the worker pool queue depth.
	DefaultQueueSize = 1024
)

// Outcome classifies a single handler invocation.
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeHandlerError   Outcome = "handler_error"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeRecursionLimit Outcome = "recursion_limit_exceeded"
	OutcomeCancelled      Outcome = "cancelled"
)

// HandlerResult records how one subscription handled one event.
type HandlerResult struct {
	ClientID string
	Pattern  string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Report summarises the dispatch of one event.
type Report struct {
	Event   events.Event
	Depth   int
	Replay  bool
	Results []HandlerResult
}

// Count returns how many results carry the given outcome.
func (r Report) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Failed returns the results that were not delivered.
func (r Report) Failed() []HandlerResult {
	var out []HandlerResult
	for _, res := range r.Results {
		if res.Outcome != OutcomeDelivered {
			out = append(out, res)
		}
	}
	return out
}

// Config tunes handler execution.
type Config struct {
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
	MaxDepth       int
}

func (c Config) normalise() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	return c
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger injects the logger used for handler failures.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher invokes matching handlers on a shared bounded worker pool.
// Handler failures are isolated and reported, never returned to the emitter.
type Dispatcher struct {
	registry *Registry
	pool     *async.Pool
	cfg      Config
	logger   observability.Logger

	outcomeCounter  metric.Int64Counter
	handlerDuration metric.Float64Histogram
	fanoutHistogram metric.Int64Histogram
}

// New constructs a dispatcher over registry.
func New(registry *Registry, cfg Config, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, errs.New("dispatcher/new", errs.CodeInvalid, errs.WithMessage("registry required"))
	}
	cfg = cfg.normalise()
	d := &Dispatcher{registry: registry, cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = observability.Or(d.logger)

	pool, err := async.NewPool(cfg.Workers, cfg.QueueSize, async.WithPanicHandler(func(r any) {
		d.logger.Error("dispatcher worker panic", observability.F("panic", fmt.Sprint(r)))
	}))
	if err != nil {
		return nil, fmt.Errorf("dispatcher pool: %w", err)
	}
	d.pool = pool

	meter := otel.Meter("dispatcher")
	d.outcomeCounter, _ = meter.Int64Counter("yapper_dispatch_handler_total",
		metric.WithDescription("Handler invocations by outcome"),
		metric.WithUnit("{invocation}"))
	d.handlerDuration, _ = meter.Float64Histogram("yapper_dispatch_handler_duration",
		metric.WithDescription("Handler execution latency"),
		metric.WithUnit("ms"))
	d.fanoutHistogram, _ = meter.Int64Histogram("yapper_dispatch_fanout",
		metric.WithDescription("Matched subscriptions per dispatched event"),
		metric.WithUnit("{subscription}"))
	return d, nil
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Registry returns the registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch delivers evt to every matching handler and waits for all of them.
// ctx carries the nesting depth of the emit that produced evt; cancelling it
// marks unfinished handlers as cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.Event) Report {
	if ctx == nil {
		ctx = context.Background()
	}
	depth := DepthFrom(ctx)
	report := Report{Event: evt, Depth: depth, Replay: IsReplay(ctx)}

	subs := d.registry.Match(evt.Topic)
	root := telemetry.TopicRoot(evt.Topic)
	if d.fanoutHistogram != nil {
		d.fanoutHistogram.Record(ctx, int64(len(subs)), metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrTopicRoot.String(root)))
	}
	if len(subs) == 0 {
		return report
	}

	results := make([]HandlerResult, len(subs))
	if depth >= d.cfg.MaxDepth {
		limitErr := errs.New("dispatcher/dispatch", errs.CodeRecursionLimit,
			errs.WithMessage(fmt.Sprintf("dispatch depth %d reached limit %d", depth, d.cfg.MaxDepth)))
		for i, sub := range subs {
			results[i] = newResult(sub, OutcomeRecursionLimit, limitErr, 0)
		}
	} else {
		var wg sync.WaitGroup
		for i, sub := range subs {
			wg.Add(1)
			err := d.pool.Submit(ctx, func(context.Context) error {
				defer wg.Done()
				results[i] = d.invoke(ctx, sub, evt, depth)
				return nil
			})
			if err != nil {
				wg.Done()
				results[i] = newResult(sub, OutcomeCancelled, err, 0)
			}
		}
		wg.Wait()
	}

	report.Results = results
	for _, res := range results {
		d.observe(ctx, evt, root, res)
	}
	return report
}

func (d *Dispatcher) invoke(ctx context.Context, sub Subscription, evt events.Event, depth int) HandlerResult {
	if err := ctx.Err(); err != nil {
		return newResult(sub, OutcomeCancelled, err, 0)
	}
	hctx, cancel := context.WithTimeout(WithDepth(ctx, depth+1), d.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.Handler(hctx, evt.Clone())
	}()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		switch {
		case err == nil:
			return newResult(sub, OutcomeDelivered, nil, elapsed)
		case ctx.Err() != nil:
			return newResult(sub, OutcomeCancelled, err, elapsed)
		case hctx.Err() != nil:
			return newResult(sub, OutcomeTimeout, err, elapsed)
		default:
			return newResult(sub, OutcomeHandlerError, err, elapsed)
		}
	case <-hctx.Done():
		// The handler goroutine is abandoned; it observes hctx and the
		// buffered channel lets it exit without a reader.
		if ctx.Err() != nil {
			return newResult(sub, OutcomeCancelled, ctx.Err(), time.Since(start))
		}
		return newResult(sub, OutcomeTimeout, hctx.Err(), time.Since(start))
	}
}

func newResult(sub Subscription, outcome Outcome, err error, elapsed time.Duration) HandlerResult {
	return HandlerResult{
		ClientID: sub.ClientID,
		Pattern:  sub.Pattern.String(),
		Outcome:  outcome,
		Err:      err,
		Duration: elapsed,
	}
}

func (d *Dispatcher) observe(ctx context.Context, evt events.Event, root string, res HandlerResult) {
	attrs := metric.WithAttributes(telemetry.DispatchAttributes(telemetry.Environment(), root, string(res.Outcome))...)
	if d.outcomeCounter != nil {
		d.outcomeCounter.Add(context.WithoutCancel(ctx), 1, attrs)
	}
	if d.handlerDuration != nil && res.Duration > 0 {
		d.handlerDuration.Record(context.WithoutCancel(ctx), float64(res.Duration.Microseconds())/1000, attrs)
	}
	if res.Outcome == OutcomeDelivered {
		return
	}
	d.logger.Error("event handler failed",
		observability.F("event_id", evt.ID),
		observability.F("topic", evt.Topic),
		observability.F("client_id", res.ClientID),
		observability.F("pattern", res.Pattern),
		observability.F("outcome", string(res.Outcome)),
		observability.F("error", res.Err),
	)
}

// Close stops the worker pool once queued handlers finish or ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	if err := d.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("dispatcher shutdown: %w", err)
	}
	return nil
}

type depthKey struct{}

type replayKey struct{}

// WithDepth records the dispatch nesting depth on ctx.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFrom returns the dispatch nesting depth carried by ctx (0 at top level).
func DepthFrom(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	if depth, ok := ctx.Value(depthKey{}).(int); ok {
		return depth
	}
	return 0
}

// WithReplay marks ctx as driving a startup replay.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

// IsReplay reports whether ctx was marked by WithReplay.
func IsReplay(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	replay, _ := ctx.Value(replayKey{}).(bool)
	return replay
}

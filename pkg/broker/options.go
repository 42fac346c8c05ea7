package broker

import (
	"time"

	"github.com/coachpo/yapper/internal/dispatcher"
	"github.com/coachpo/yapper/internal/observability"
	"github.com/coachpo/yapper/pkg/events"
)

const (
	// DefaultStopGrace is how long Stop lets in-flight handlers finish before cancelling them.
	DefaultStopGrace = 5 * time.Second
	// DefaultDeadLetterCapacity bounds the retained failed handler results.
	DefaultDeadLetterCapacity = 1024
	// DefaultSweepInterval is the retention sweep period when none is configured.
	DefaultSweepInterval = time.Hour
	// DefaultPollInterval is how often a running broker reads the shared store
	// for events appended by other brokers.
	DefaultPollInterval = time.Second
	// DefaultPollLookback is how far behind the newest seen event each poll
	// rereads, absorbing clock skew and late commits between brokers.
	DefaultPollLookback = 5 * time.Second
)

type options struct {
	logger        observability.Logger
	clock         *events.Clock
	dispatch      dispatcher.Config
	stopGrace     time.Duration
	emitRate      float64
	emitBurst     int
	replaySince   time.Duration
	retention     time.Duration
	sweepInterval time.Duration
	pollInterval  time.Duration
	pollLookback  time.Duration
	reportHook    func(dispatcher.Report)
	deadLetters   int
	ownsStore     bool
	backend       string
}

// Option customises a Broker.
type Option func(*options)

func defaultOptions() options {
	return options{
		stopGrace:     DefaultStopGrace,
		deadLetters:   DefaultDeadLetterCapacity,
		sweepInterval: DefaultSweepInterval,
		pollInterval:  DefaultPollInterval,
		pollLookback:  DefaultPollLookback,
		backend:       "custom",
	}
}

// WithLogger injects the logger used for lifecycle and handler failure entries.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the timestamp source used to stamp emitted events.
func WithClock(clock *events.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithDispatchConfig sizes the worker pool and handler limits.
func WithDispatchConfig(cfg dispatcher.Config) Option {
	return func(o *options) { o.dispatch = cfg }
}

// WithStopGrace sets how long Stop waits for in-flight handlers.
func WithStopGrace(grace time.Duration) Option {
	return func(o *options) {
		if grace > 0 {
			o.stopGrace = grace
		}
	}
}

// WithEmitRate limits Emit to perSecond events with the given burst. Zero disables limiting.
func WithEmitRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.emitRate = perSecond
		o.emitBurst = burst
	}
}

// WithReplay makes Start dispatch events persisted within window before it.
func WithReplay(window time.Duration) Option {
	return func(o *options) { o.replaySince = window }
}

// WithRetention purges events older than maxAge every interval while running.
func WithRetention(maxAge, interval time.Duration) Option {
	return func(o *options) {
		o.retention = maxAge
		if interval > 0 {
			o.sweepInterval = interval
		}
	}
}

// WithPolling sets how often the broker reads the shared store for events
// appended by other brokers and how far back each read reaches. A
// non-positive interval disables it, leaving only locally emitted events.
func WithPolling(interval, lookback time.Duration) Option {
	return func(o *options) {
		o.pollInterval = max(interval, 0)
		if lookback > 0 {
			o.pollLookback = lookback
		}
	}
}

// WithReportHook receives the report of every completed dispatch.
func WithReportHook(hook func(dispatcher.Report)) Option {
	return func(o *options) { o.reportHook = hook }
}

// WithDeadLetterCapacity bounds how many failed handler results are retained.
func WithDeadLetterCapacity(capacity int) Option {
	return func(o *options) { o.deadLetters = capacity }
}

func withOwnedStore(backend string) Option {
	return func(o *options) {
		o.ownsStore = true
		o.backend = backend
	}
}

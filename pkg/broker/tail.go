package broker

import (
	"context"
	"time"

	"github.com/coachpo/yapper/internal/domain/eventstore"
	"github.com/coachpo/yapper/internal/observability"
	"github.com/coachpo/yapper/pkg/events"
)

// follower tracks the broker's position in the shared store. Other brokers
// stamp events with their own clocks and may commit them late, so every poll
// rereads a lookback window behind the newest event seen and filters out the
// ids it already handled.
type follower struct {
	floor time.Time
	high  time.Time
	seen  map[string]time.Time
}

func newFollower(floor time.Time, backlog []events.Event) *follower {
	f := &follower{floor: floor, high: floor, seen: make(map[string]time.Time, len(backlog))}
	for _, evt := range backlog {
		f.seen[evt.ID] = evt.CreatedAt
	}
	return f
}

func (f *follower) since(lookback time.Duration) time.Time {
	since := f.high.Add(-lookback)
	if since.Before(f.floor) {
		return f.floor
	}
	return since
}

// observe records evt and reports whether it is new to this follower.
func (f *follower) observe(evt events.Event) bool {
	if _, ok := f.seen[evt.ID]; ok {
		return false
	}
	f.seen[evt.ID] = evt.CreatedAt
	if evt.CreatedAt.After(f.high) {
		f.high = evt.CreatedAt
	}
	return true
}

// prune forgets ids older than cutoff; later polls cannot return them.
func (f *follower) prune(cutoff time.Time) {
	for id, ts := range f.seen {
		if ts.Before(cutoff) {
			delete(f.seen, id)
		}
	}
}

// markLocal notes an event this broker dispatches itself, so the tail skips it.
func (b *Broker) markLocal(evt events.Event) {
	if b.opts.pollInterval <= 0 {
		return
	}
	b.localMu.Lock()
	b.local[evt.ID] = evt.CreatedAt
	b.localMu.Unlock()
}

func (b *Broker) forgetLocal(id string) {
	b.localMu.Lock()
	delete(b.local, id)
	b.localMu.Unlock()
}

func (b *Broker) claimLocal(id string) bool {
	b.localMu.Lock()
	defer b.localMu.Unlock()
	if _, ok := b.local[id]; ok {
		delete(b.local, id)
		return true
	}
	return false
}

func (b *Broker) pruneLocal(cutoff time.Time) {
	b.localMu.Lock()
	defer b.localMu.Unlock()
	for id, ts := range b.local {
		if ts.Before(cutoff) {
			delete(b.local, id)
		}
	}
}

// poll dispatches, oldest first, the events other brokers appended since the
// previous poll. Events read before a store error are still dispatched.
func (b *Broker) poll(ctx context.Context, f *follower) error {
	var (
		fresh   []events.Event
		pollErr error
	)
	for evt, err := range b.store.Query(ctx, eventstore.Query{Since: f.since(b.opts.pollLookback)}) {
		if err != nil {
			pollErr = err
			break
		}
		if !f.observe(evt) || b.claimLocal(evt.ID) {
			continue
		}
		fresh = append(fresh, evt)
	}
	cutoff := f.high.Add(-b.opts.pollLookback)
	f.prune(cutoff)
	b.pruneLocal(cutoff)

	for _, evt := range fresh {
		if ctx.Err() != nil || !b.dispatchFollowed(evt) {
			break
		}
	}
	return pollErr
}

func (b *Broker) dispatchFollowed(evt events.Event) bool {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return false
	}
	b.inflight.add()
	dctx := b.runCtx
	b.mu.Unlock()
	defer b.inflight.done()

	b.logger.Debug("dispatching event from shared store",
		observability.F("event_id", evt.ID),
		observability.F("topic", evt.Topic),
		observability.F("origin", evt.Origin))
	b.handleReport(b.dispatcher.Dispatch(dctx, evt))
	return true
}

func (b *Broker) tailLoop(ctx context.Context, f *follower) {
	ticker := time.NewTicker(b.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.poll(ctx, f); err != nil && ctx.Err() == nil {
				b.logger.Error("store tail poll failed",
					observability.F("client_id", b.clientID),
					observability.F("error", err))
			}
		}
	}
}

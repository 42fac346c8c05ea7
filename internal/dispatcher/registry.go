// Package dispatcher routes persisted events to registered handlers.
package dispatcher

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coachpo/yapper/errs"
	"github.com/coachpo/yapper/pkg/events"
)

// Handler consumes one event. The context carries the dispatch deadline and
// nesting depth; handlers that emit further events must pass it through.
type Handler func(ctx context.Context, evt events.Event) error

// Subscription binds a client's handler to a topic pattern.
type Subscription struct {
	ClientID string
	Pattern  events.Pattern
	Handler  Handler
	seq      uint64
}

// Seq returns the registration sequence that orders matches.
func (s Subscription) Seq() uint64 {
	return s.seq
}

type subscriptionKey struct {
	client  string
	pattern string
}

// Registry stores subscriptions keyed by (client id, pattern).
type Registry struct {
	mu      sync.RWMutex
	subs    []Subscription
	index   map[subscriptionKey]int
	nextSeq uint64
	version atomic.Int64
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[subscriptionKey]int)}
}

// Register adds or replaces the handler for (clientID, pattern). A replaced
// subscription keeps its original position in match order.
func (r *Registry) Register(clientID, pattern string, handler Handler) error {
	const op = "dispatcher/register"
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("client id required"))
	}
	if handler == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	parsed, err := events.ParsePattern(pattern)
	if err != nil {
		return err
	}

	key := subscriptionKey{client: clientID, pattern: parsed.String()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[key]; ok {
		r.subs[i].Handler = handler
	} else {
		r.nextSeq++
		r.index[key] = len(r.subs)
		r.subs = append(r.subs, Subscription{
			ClientID: clientID,
			Pattern:  parsed,
			Handler:  handler,
			seq:      r.nextSeq,
		})
	}
	r.version.Add(1)
	return nil
}

// Unregister removes the subscription if present.
func (r *Registry) Unregister(clientID, pattern string) {
	key := subscriptionKey{client: strings.TrimSpace(clientID), pattern: strings.TrimSpace(pattern)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[key]; !ok {
		return
	}
	r.removeLocked(func(s Subscription) bool {
		return s.ClientID == key.client && s.Pattern.String() == key.pattern
	})
}

// UnregisterClient removes every subscription held by clientID and returns how many were removed.
func (r *Registry) UnregisterClient(clientID string) int {
	clientID = strings.TrimSpace(clientID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(func(s Subscription) bool { return s.ClientID == clientID })
}

func (r *Registry) removeLocked(drop func(Subscription) bool) int {
	kept := r.subs[:0]
	removed := 0
	for _, s := range r.subs {
		if drop(s) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	if removed == 0 {
		return 0
	}
	clear(r.subs[len(kept):])
	r.subs = kept
	clear(r.index)
	for i, s := range r.subs {
		r.index[subscriptionKey{client: s.ClientID, pattern: s.Pattern.String()}] = i
	}
	r.version.Add(1)
	return removed
}

// Match returns every subscription whose pattern matches topic, in
// registration order. The result is a snapshot owned by the caller.
func (r *Registry) Match(topic string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscription
	for _, s := range r.subs {
		if s.Pattern.Match(topic) {
			out = append(out, s)
		}
	}
	return out
}

// Patterns returns the distinct registered patterns in registration order.
func (r *Registry) Patterns() []events.Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.subs))
	out := make([]events.Pattern, 0, len(r.subs))
	for _, s := range r.subs {
		if _, dup := seen[s.Pattern.String()]; dup {
			continue
		}
		seen[s.Pattern.String()] = struct{}{}
		out = append(out, s.Pattern)
	}
	return out
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Version increases on every mutation.
func (r *Registry) Version() int64 {
	return r.version.Load()
}

// Package events defines the broker's event value, topics, and subscription patterns.
package events

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/yapper/errs"
)

// Payload carries the application data attached to an event.
type Payload map[string]any

// Event is an immutable, persisted broker message.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   Payload   `json:"payload"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds an event with a fresh identifier, stamped by clock.
func New(topic string, payload Payload, origin string, clock *Clock) (Event, error) {
	if err := ValidateTopic(topic); err != nil {
		return Event{}, err
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return Event{}, errs.New("events/new", errs.CodeInvalid, errs.WithMessage("origin client id required"))
	}
	if err := checkText("origin", origin); err != nil {
		return Event{}, errs.New("events/new", errs.CodeInvalid, errs.WithCause(err))
	}
	if err := checkPayloadText("payload", payload); err != nil {
		return Event{}, errs.New("events/new", errs.CodeConstraint, errs.WithCause(err))
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("events: generate id: %w", err)
	}
	cloned, err := clonePayload(payload)
	if err != nil {
		return Event{}, errs.New("events/new", errs.CodeConstraint,
			errs.WithMessage("payload is not JSON serialisable"), errs.WithCause(err))
	}
	if err := checkPayloadText("payload", cloned); err != nil {
		return Event{}, errs.New("events/new", errs.CodeConstraint, errs.WithCause(err))
	}
	if clock == nil {
		clock = defaultClock
	}
	return Event{
		ID:        id.String(),
		Topic:     topic,
		Payload:   cloned,
		Origin:    origin,
		CreatedAt: clock.Now(),
	}, nil
}

// Validate checks the persisted-record invariants.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errs.New("events/validate", errs.CodeConstraint, errs.WithMessage("id required"))
	}
	if err := ValidateTopic(e.Topic); err != nil {
		return errs.New("events/validate", errs.CodeConstraint, errs.WithCause(err))
	}
	if strings.TrimSpace(e.Origin) == "" {
		return errs.New("events/validate", errs.CodeConstraint, errs.WithMessage("origin required"))
	}
	if err := checkText("origin", e.Origin); err != nil {
		return errs.New("events/validate", errs.CodeConstraint, errs.WithCause(err))
	}
	if err := checkPayloadText("payload", e.Payload); err != nil {
		return errs.New("events/validate", errs.CodeConstraint, errs.WithCause(err))
	}
	if e.CreatedAt.IsZero() {
		return errs.New("events/validate", errs.CodeConstraint, errs.WithMessage("created_at required"))
	}
	return nil
}

// Clone returns a deep copy so handlers never share payload state.
func (e Event) Clone() Event {
	out := e
	out.Payload = deepCopyPayload(e.Payload)
	return out
}

// EncodePayload renders the payload in its at-rest JSON form. A nil payload encodes as {}.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses an at-rest payload. Empty input decodes to an empty
// payload. Numbers decode as json.Number so integers beyond 2^53 keep every digit.
func DecodePayload(data []byte) (Payload, error) {
	out := Payload{}
	if len(data) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// checkText rejects strings no backend can store verbatim: NUL bytes and
// invalid UTF-8.
func checkText(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s is not valid UTF-8", field)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL character", field)
	}
	return nil
}

func checkPayloadText(path string, v any) error {
	switch typed := v.(type) {
	case string:
		return checkText(path, typed)
	case Payload:
		return checkPayloadText(path, map[string]any(typed))
	case map[string]any:
		for k, inner := range typed {
			if err := checkText(path+" key", k); err != nil {
				return err
			}
			if err := checkPayloadText(path+"."+k, inner); err != nil {
				return err
			}
		}
	case map[string]string:
		for k, inner := range typed {
			if err := checkText(path+" key", k); err != nil {
				return err
			}
			if err := checkText(path+"."+k, inner); err != nil {
				return err
			}
		}
	case []any:
		for i, inner := range typed {
			if err := checkPayloadText(fmt.Sprintf("%s[%d]", path, i), inner); err != nil {
				return err
			}
		}
	case []string:
		for i, inner := range typed {
			if err := checkText(fmt.Sprintf("%s[%d]", path, i), inner); err != nil {
				return err
			}
		}
	}
	return nil
}

// clonePayload normalises the payload through its at-rest encoding so the
// in-memory event equals what every backend returns.
func clonePayload(p Payload) (Payload, error) {
	data, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return DecodePayload(data)
}

func deepCopyPayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			out[k] = deepCopyValue(inner)
		}
		return out
	case Payload:
		return deepCopyPayload(typed)
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = deepCopyValue(inner)
		}
		return out
	case json.Number:
		return typed
	default:
		return v
	}
}

// Clock hands out strictly increasing UTC timestamps at microsecond precision,
// the resolution every backend stores.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

var defaultClock = NewClock(nil)

// NewClock builds a clock over now; nil uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the next timestamp, never equal to or before the previous one.
func (c *Clock) Now() time.Time {
	ts := c.now().UTC().Truncate(time.Microsecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ts.After(c.last) {
		ts = c.last.Add(time.Microsecond)
	}
	c.last = ts
	return ts
}

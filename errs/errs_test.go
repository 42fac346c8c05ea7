package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesOpCodeAndCause(t *testing.T) {
	err := New(
		"eventstore/append",
		CodeConnection,
		WithMessage("  backend unreachable "),
		WithCause(errors.New("dial tcp 127.0.0.1:5432: connection refused")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=eventstore/append") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=connection") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, `message="backend unreachable"`) {
		t.Fatalf("expected trimmed message in error string: %s", out)
	}
	if !strings.Contains(out, `cause="dial tcp 127.0.0.1:5432: connection refused"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestEmptyOpAndCodeRenderUnknown(t *testing.T) {
	out := New("", "").Error()
	if out != "op=unknown code=unknown" {
		t.Fatalf("unexpected rendering: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("broker/emit", CodeConnection, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestCodeOfFindsEnvelopeThroughWrapping(t *testing.T) {
	inner := New("eventstore/get", CodeNotFound)
	wrapped := fmt.Errorf("load event: %w", inner)
	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Fatalf("expected not_found, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestIsCodeWalksNestedEnvelopes(t *testing.T) {
	store := New("eventstore/append", CodeConnection)
	emit := New("broker/emit", CodeUnavailable, WithCause(fmt.Errorf("append: %w", store)))

	if !IsCode(emit, CodeUnavailable) {
		t.Fatalf("expected outer code to match")
	}
	if !IsCode(emit, CodeConnection) {
		t.Fatalf("expected nested code to match")
	}
	if IsCode(emit, CodeNotFound) {
		t.Fatalf("unexpected match for absent code")
	}
	if IsCode(nil, CodeConnection) {
		t.Fatalf("nil error must not match")
	}
}

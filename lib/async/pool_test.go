package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/yapper/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, 1); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestSubmitRunsTasks(t *testing.T) {
	p, err := NewPool(2, 4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := ran.Load(); got != 10 {
		t.Fatalf("expected 10 tasks run, got %d", got)
	}
}

func TestSubmitBlocksUntilCapacity(t *testing.T) {
	p, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Submit(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected submit to wait for capacity then time out, got %v", err)
	}
	close(release)

	if err := p.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected submit after release to succeed: %v", err)
	}
}

func TestSubmitAfterCloseIsUnavailable(t *testing.T) {
	p, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.Close()
	p.Close()
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := p.Submit(context.Background(), nil); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid for nil task, got %v", err)
	}
}

func TestPanicsAndErrorsAreReported(t *testing.T) {
	var panics, failures atomic.Int32
	p, err := NewPool(1, 2,
		WithPanicHandler(func(any) { panics.Add(1) }),
		WithErrorHandler(func(error) { failures.Add(1) }),
	)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	_ = p.Submit(context.Background(), func(context.Context) error { panic("boom") })
	_ = p.Submit(context.Background(), func(context.Context) error { return errors.New("failed") })
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if panics.Load() != 1 || failures.Load() != 1 {
		t.Fatalf("expected one panic and one error, got %d and %d", panics.Load(), failures.Load())
	}
}

func TestShutdownHonoursContext(t *testing.T) {
	p, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	release := make(chan struct{})
	defer close(release)
	_ = p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected shutdown deadline, got %v", err)
	}
}

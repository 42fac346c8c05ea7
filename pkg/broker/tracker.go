package broker

import (
	"context"
	"sync"
)

// tracker counts running dispatches. Each busy period gets its own idle
// channel, closed when the count returns to zero, so waiters never race
// new work the way sync.WaitGroup's Add-after-Wait rule would.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *tracker) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

func (f *tracker) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

// wait blocks until the current busy period ends or ctx is done. Work added
// later extends the same period, so it also covers everything it spawns.
func (f *tracker) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *tracker) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// Package inflight counts outstanding asynchronous work so that callers can
// block until it has settled.
package inflight

import (
	"context"
	"sync"
)

// Tracker is a context-aware alternative to sync.WaitGroup. The zero value
// is ready to use and safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// Add records the start of one unit of work.
func (t *Tracker) Add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

// Done records the end of one unit of work.
func (t *Tracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		panic("inflight: Done called more times than Add")
	}
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

// Len returns the number of outstanding units of work.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Wait blocks until no work is outstanding or ctx is done. Work added while
// waiting extends the wait.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.n == 0 {
			t.mu.Unlock()
			return nil
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

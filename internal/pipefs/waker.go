package pipefs

import (
	"context"
	"sync"
)

// waker is the single-registration wake primitive spec.md §9 describes:
// "a single waker per direction, rewritten on each registration; no
// waker-list allocation in the hot path." Every blocked waiter shares the
// same channel; Wake closes it (broadcasting to all current waiters) and
// immediately installs a fresh one for the next round of waiters.
type waker struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWaker() *waker {
	return &waker{ch: make(chan struct{})}
}

// Wait blocks until the next Wake call or ctx cancellation.
func (w *waker) Wait(ctx context.Context) error {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake releases every waiter currently blocked in Wait and arms a new
// generation for subsequent waiters.
func (w *waker) Wake() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

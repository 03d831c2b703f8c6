// Package scheduler stands in for the single-threaded cooperative async
// scheduler of spec.md §4.5/§5. On the host-hosted development target the
// kernel runs on ordinary goroutines, but every blocking I/O path in this
// module yields only at the same suspension points a bare-metal
// cooperative scheduler would (lock acquisition, Sleep, pipe-empty/full
// waits) — see SPEC_FULL.md's [SCHEDULER] addition.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xila-project/core/internal/identifier"
)

// Sleep is the only blocking primitive available to async code per
// spec.md §4.5; callers polling a non-ready condition must loop through
// it with a small bounded delay rather than spin.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Task is a scheduled task's identity as seen by the core; the full task
// manager (priorities, stacks, WASM sandbox binding) lives outside this
// module's scope per spec.md §1.
type Task struct {
	Identifier identifier.TaskIdentifier
}

// Scheduler bounds how many tasks may be concurrently running kernel-side
// work at once, modelling the single-threaded cooperative scheduler's
// implicit "only one task runs between await points" rule as an explicit
// admission gate rather than leaving it to chance on a multi-core host.
//
// Grounded on backend/hidrive's use of semaphore.Weighted to bound
// concurrent transfers; here the same primitive bounds concurrent task
// execution instead of concurrent network requests.
type Scheduler struct {
	admission *semaphore.Weighted
	generator *identifier.Generator
}

// New creates a Scheduler. concurrency should be 1 to faithfully emulate
// the embedded target's single-threaded cooperative model; the host
// target may raise it for throughput testing.
func New(concurrency int64) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		admission: semaphore.NewWeighted(concurrency),
		generator: identifier.NewGenerator(),
	}
}

// Spawn allocates a new Task identifier and runs fn once admitted,
// blocking the caller until ctx is cancelled or a slot is free.
func (s *Scheduler) Spawn(ctx context.Context, fn func(Task)) (Task, error) {
	task := Task{Identifier: s.generator.NextTaskIdentifier()}
	if err := s.admission.Acquire(ctx, 1); err != nil {
		return Task{}, err
	}
	defer s.admission.Release(1)
	fn(task)
	return task, nil
}

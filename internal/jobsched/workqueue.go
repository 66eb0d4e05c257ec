// Package jobsched implements the cron-like puller scheduler and the
// bounded background work queue the webhook handler uses to dispatch ERP
// write-backs without blocking the HTTP response or holding a DB
// connection across an external call. Enqueued work is fire-and-forget
// from the caller's perspective, but the queue can still be drained on
// shutdown.
package jobsched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Task is a unit of background work (e.g. a single ERP write-back). It
// receives its own context, independent of the originating request.
type Task func(ctx context.Context)

// WorkQueue is a bounded pool of background workers. Submit never blocks
// the caller on the task's execution; Drain waits for in-flight and queued
// tasks to finish (or the context to expire) so shutdown doesn't abandon
// ERP write-backs mid-flight.
type WorkQueue struct {
	tasks   chan Task
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// Dropped returns the number of tasks discarded so far because the queue was
// full or already draining. Exposed for callers that want to surface it as a
// gauge/counter alongside their own metrics.
func (wq *WorkQueue) Dropped() int64 {
	return wq.dropped.Load()
}

// NewWorkQueue starts workers workers reading from a buffered channel.
func NewWorkQueue(workers, queueDepth int) *WorkQueue {
	wq := &WorkQueue{tasks: make(chan Task, queueDepth)}
	for i := 0; i < workers; i++ {
		wq.wg.Add(1)
		go wq.worker()
	}
	return wq
}

func (wq *WorkQueue) worker() {
	defer wq.wg.Done()
	for task := range wq.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("background task panicked")
				}
			}()
			task(context.Background())
		}()
	}
}

// Submit enqueues a task without ever blocking or running it on the
// caller's goroutine -- the originating HTTP handler must return
// immediately regardless of ERP availability. If the queue is full or
// already draining, the task is dropped and counted rather than executed
// inline; callers that can't tolerate drops should size queueDepth and
// worker count generously instead.
func (wq *WorkQueue) Submit(task Task) {
	wq.closeMu.Lock()
	closed := wq.closed
	wq.closeMu.Unlock()
	if closed {
		wq.dropped.Add(1)
		log.Warn().Int64("dropped_total", wq.dropped.Load()).Msg("work queue closed, dropping task")
		return
	}
	select {
	case wq.tasks <- task:
	default:
		wq.dropped.Add(1)
		log.Warn().Int64("dropped_total", wq.dropped.Load()).Msg("work queue full, dropping task")
	}
}

// Drain stops accepting new tasks and waits for the queue to empty.
func (wq *WorkQueue) Drain(ctx context.Context) {
	wq.closeMu.Lock()
	if wq.closed {
		wq.closeMu.Unlock()
		return
	}
	wq.closed = true
	close(wq.tasks)
	wq.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		wq.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("work queue drain timed out, some background tasks may be abandoned")
	}
}

package runtime

import (
	"context"
	"log/slog"
	"sync"
)

// workQueue is a single-consumer FIFO queue: one goroutine drains jobs in
// submission order, so ordering across event sources is structural. A
// panicking job is logged and the queue keeps going.
type workQueue struct {
	jobs      chan func()
	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newWorkQueue(logger *slog.Logger, buffer int) *workQueue {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &workQueue{
		jobs:    make(chan func(), buffer),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		logger:  logger,
	}
	go q.run()
	return q
}

func (q *workQueue) run() {
	defer close(q.drained)
	for {
		select {
		case fn := <-q.jobs:
			q.invoke(fn)
		case <-q.done:
			for {
				select {
				case fn := <-q.jobs:
					q.invoke(fn)
				default:
					return
				}
			}
		}
	}
}

func (q *workQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event handler panic", "panic", r)
		}
	}()
	fn()
}

// enqueue submits fn for ordered processing. Returns false once the queue
// is closed and no longer accepting work.
func (q *workQueue) enqueue(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.jobs <- fn:
		return true
	case <-q.done:
		return false
	}
}

// join blocks until every job enqueued before the call has finished.
func (q *workQueue) join(ctx context.Context) error {
	marker := make(chan struct{})
	if !q.enqueue(func() { close(marker) }) {
		// Queue closed: wait for the final drain instead.
		select {
		case <-q.drained:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops intake; jobs already queued still run.
func (q *workQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

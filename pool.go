package xstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool runs entry processing on a fixed number of goroutines fed by a
// bounded queue. Submission never blocks: when the queue is full the task is
// rejected and the caller leaves the entry pending in the store.
type WorkerPool struct {
	taskCh    chan func()
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	rejected  atomic.Uint64
	completed atomic.Uint64

	// onPanic is called with the recovered value of a panicking task.
	onPanic func(r any)
}

// NewWorkerPool starts workers goroutines over a queue of queueCapacity tasks.
func NewWorkerPool(workers, queueCapacity int, onPanic func(r any)) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		taskCh:  make(chan func(), queueCapacity),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		onPanic: onPanic,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// TrySubmit queues task and reports whether it was accepted.
func (p *WorkerPool) TrySubmit(task func()) bool {
	if task == nil || p.closed.Load() {
		return false
	}
	select {
	case p.taskCh <- task:
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-p.taskCh:
					p.run(task)
				default:
					return
				}
			}
		case task := <-p.taskCh:
			p.run(task)
		}
	}
}

// run executes one task; a panic must not take the worker down.
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
		p.completed.Add(1)
	}()
	task()
}

// Close stops accepting tasks and waits up to timeout for queued ones.
func (p *WorkerPool) Close(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %v", ErrPoolShutdownTimeout, timeout)
	}
}

// Stats returns current pool statistics.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Rejected:   p.rejected.Load(),
		Completed:  p.completed.Load(),
		Queued:     len(p.taskCh),
		Workers:    p.workers,
		BufferSize: cap(p.taskCh),
	}
}

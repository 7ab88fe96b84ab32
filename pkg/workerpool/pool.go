// Package workerpool runs submitted jobs on a fixed set of goroutines fed by a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the queue size used when New is given a non-positive capacity.
const DefaultCapacity = 100

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("worker pool is shut down")

type job struct {
	ctx context.Context //nolint:containedctx // carried from Submit to the worker
	fn  func(context.Context)
}

// Pool is safe for concurrent use.
type Pool struct {
	jobs     chan job
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	workers  int
	capacity int
}

// New starts workers goroutines. A non-positive worker count means one worker.
func New(workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{
		jobs:     make(chan job, capacity),
		workers:  workers,
		capacity: capacity,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.fn(j.ctx)
	}
}

// Submit queues fn. It blocks while the queue is full and fails if ctx ends first or the pool is closed.
// fn always receives ctx and must observe its cancellation itself.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs, drains the queue and waits for the workers to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) Workers() int {
	return p.workers
}

func (p *Pool) Capacity() int {
	return p.capacity
}

// Package worker provides a bounded pool for background task
// execution.
//
// Submitted tasks run on a fixed set of goroutines backed by a finite
// queue. When both the workers and the queue are saturated the
// submission is refused with ErrQueueFull rather than spawning extra
// goroutines, so concurrency stays bounded and Submit never blocks a
// request handler. The pool drains on shutdown: tasks already accepted
// still run, new submissions are refused.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
)

// ErrPoolClosed signals a submission after shutdown began.
var ErrPoolClosed = errors.New("worker pool is closed")

// ErrQueueFull signals that the workers and the queue are saturated.
// The caller decides whether to retry or leave the work for later.
var ErrQueueFull = errors.New("worker pool queue is full")

// queueFactor sizes the task queue relative to the worker count.
const queueFactor = 8

// Task is a named unit of background work.
type Task struct {
	Name string
	Func func(context.Context) error
}

// Pool runs tasks on a bounded number of goroutines.
type Pool struct {
	log   logr.Logger
	tasks chan Task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// baseCtx is handed to every task and cancelled only when the
	// process shuts down, never per submission.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewPool starts size workers with a queue of size*queueFactor slots.
func NewPool(size int, log logr.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:     log,
		tasks:   make(chan Task, size*queueFactor),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		if err := task.Func(p.baseCtx); err != nil {
			p.log.Error(err, "background task failed", "task", task.Name)
		}
	}
}

// Submit queues a task without blocking. Returns ErrQueueFull when the
// queue is saturated and ErrPoolClosed once shutdown has started.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	// Send under the lock so Shutdown cannot close the channel
	// between the check and the send.
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops admissions, waits for queued tasks to finish, then
// cancels the base context. The ctx bounds the wait.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

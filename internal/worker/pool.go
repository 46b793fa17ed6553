// Package worker runs assistant work off the connection goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/metrics"
)

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = apperr.Transient("worker queue is full", nil)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Job is a unit of background work. ctx belongs to the pool, not to the
// connection that submitted the job.
type Job func(ctx context.Context) error

type task struct {
	name string
	run  Job
}

// Pool is a fixed set of goroutines reading from a bounded queue.
type Pool struct {
	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logger.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewPool starts workers goroutines with a queue of queueSize.
func NewPool(workers, queueSize int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: log,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	log.Info("worker pool started", zap.Int("workers", workers), zap.Int("queue_size", queueSize))
	return p
}

// Submit queues fn without blocking.
func (p *Pool) Submit(name string, fn Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task{name: name, run: fn}:
		metrics.WorkerQueueDepth.Set(float64(len(p.tasks)))
		return nil
	default:
		metrics.WorkerJobsTotal.WithLabelValues(name, "rejected").Inc()
		return ErrQueueFull
	}
}

// Stop stops accepting work, lets queued jobs finish until ctx expires and
// then cancels whatever is still running.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
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
		<-done
		return fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for t := range p.tasks {
		metrics.WorkerQueueDepth.Set(float64(len(p.tasks)))
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			p.logger.Error("worker job panicked", zap.String("job", t.name), zap.Any("panic", r))
		}
		metrics.WorkerJobsTotal.WithLabelValues(t.name, status).Inc()
	}()

	if err := t.run(p.ctx); err != nil {
		status = "error"
		p.logger.Error("worker job failed",
			zap.String("job", t.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
}

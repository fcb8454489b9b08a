// Package workers provides the bounded goroutine pool that runs CPU-bound
// training tasks off the trader loops' cooperative path.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work to be processed.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute runs the function.
func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name          string
	NumWorkers    int
	QueueSize     int
	PanicRecovery bool
}

// DefaultPoolConfig returns sensible defaults for training workloads:
// one worker per core minus headroom for the trader loops.
func DefaultPoolConfig(name string) PoolConfig {
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}
	return PoolConfig{
		Name:          name,
		NumWorkers:    workers,
		QueueSize:     64,
		PanicRecovery: true,
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	TasksSubmitted int64 `json:"tasksSubmitted"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	PanicRecovered int64 `json:"panicRecovered"`
}

// Pool manages a fixed set of worker goroutines draining a task queue.
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	panics    int64
}

// NewPool creates a pool; call Start before submitting.
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	return &Pool{
		logger:    logger.Named("pool-" + config.Name),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("Worker pool started", zap.Int("workers", p.config.NumWorkers))
}

// Stop cancels outstanding work and waits for the workers to drain.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	close(p.taskQueue)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Submit enqueues a task; it fails when the queue is full or the pool is
// not running.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("pool %s is not running", p.config.Name)
	}
	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("pool %s queue is full", p.config.Name)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&p.submitted),
		TasksCompleted: atomic.LoadInt64(&p.completed),
		TasksFailed:    atomic.LoadInt64(&p.failed),
		PanicRecovered: atomic.LoadInt64(&p.panics),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskQueue {
		if p.ctx.Err() != nil {
			return
		}
		p.runTask(id, task)
	}
}

func (p *Pool) runTask(id int, task Task) {
	defer func() {
		if p.config.PanicRecovery {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.panics, 1)
				atomic.AddInt64(&p.failed, 1)
				p.logger.Error("Recovered from task panic",
					zap.Int("worker", id), zap.Any("panic", r))
			}
		}
	}()

	if err := task.Execute(p.ctx); err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("Task failed", zap.Int("worker", id), zap.Error(err))
		return
	}
	atomic.AddInt64(&p.completed, 1)
}

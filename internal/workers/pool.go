// Package workers provides bounded parallel execution for detector fits.
// The four regime detectors are mutually independent, so they can run
// concurrently; correctness never depends on ordering or on concurrency at
// all.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Pool runs tasks on a fixed number of worker goroutines and waits for all
// of them to finish. Panics inside tasks are recovered and reported as
// errors rather than taking the pipeline down.
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	completed atomic.Int64
	failed    atomic.Int64
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name       string // pool name for logging
	NumWorkers int    // number of worker goroutines
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:       name,
		NumWorkers: runtime.NumCPU(),
	}
}

// NewPool creates a worker pool.
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	return &Pool{
		logger: logger.Named("workers-" + config.Name),
		config: config,
	}
}

// Run executes all tasks, at most NumWorkers at a time, and returns the
// per-task errors in submission order. It blocks until every task has
// finished or the context is cancelled.
func (p *Pool) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	queue := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.config.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				errs[idx] = p.execute(ctx, tasks[idx])
			}
		}()
	}

	start := time.Now()
	for i := range tasks {
		select {
		case queue <- i:
		case <-ctx.Done():
			errs[i] = ctx.Err()
		}
	}
	close(queue)
	wg.Wait()

	p.logger.Debug("task batch complete",
		zap.Int("tasks", len(tasks)),
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()),
		zap.Duration("elapsed", time.Since(start)))

	return errs
}

func (p *Pool) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			p.logger.Error("recovered task panic", zap.Any("panic", r))
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()
	return task.Execute(ctx)
}

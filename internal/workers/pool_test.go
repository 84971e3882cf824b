package workers_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/internal/workers"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.PoolConfig{Name: "test", NumWorkers: 3})

	var executed atomic.Int64
	tasks := make([]workers.Task, 20)
	for i := range tasks {
		tasks[i] = workers.TaskFunc(func(ctx context.Context) error {
			executed.Add(1)
			return nil
		})
	}

	errs := pool.Run(context.Background(), tasks)
	if len(errs) != len(tasks) {
		t.Fatalf("got %d errors for %d tasks", len(errs), len(tasks))
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("task %d: %v", i, err)
		}
	}
	if executed.Load() != 20 {
		t.Errorf("executed %d tasks, want 20", executed.Load())
	}
}

func TestPoolPreservesErrorOrder(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.PoolConfig{Name: "test", NumWorkers: 4})

	boom := errors.New("boom")
	tasks := []workers.Task{
		workers.TaskFunc(func(ctx context.Context) error { return nil }),
		workers.TaskFunc(func(ctx context.Context) error { return boom }),
		workers.TaskFunc(func(ctx context.Context) error { return nil }),
	}

	errs := pool.Run(context.Background(), tasks)
	if errs[0] != nil || errs[2] != nil {
		t.Errorf("unexpected errors: %v", errs)
	}
	if !errors.Is(errs[1], boom) {
		t.Errorf("errs[1] = %v, want boom", errs[1])
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.PoolConfig{Name: "test", NumWorkers: 2})

	tasks := []workers.Task{
		workers.TaskFunc(func(ctx context.Context) error { panic("detector blew up") }),
		workers.TaskFunc(func(ctx context.Context) error { return nil }),
	}

	errs := pool.Run(context.Background(), tasks)
	if errs[0] == nil {
		t.Fatal("panic should surface as an error")
	}
	if errs[1] != nil {
		t.Errorf("sibling task failed: %v", errs[1])
	}
}

func TestPoolContextCancellation(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.PoolConfig{Name: "test", NumWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	tasks := []workers.Task{
		workers.TaskFunc(func(ctx context.Context) error {
			cancel()
			time.Sleep(10 * time.Millisecond)
			return nil
		}),
		workers.TaskFunc(func(ctx context.Context) error { return nil }),
		workers.TaskFunc(func(ctx context.Context) error { return nil }),
	}

	errs := pool.Run(ctx, tasks)
	cancelled := 0
	for _, err := range errs {
		if errors.Is(err, context.Canceled) {
			cancelled++
		}
	}
	if cancelled == 0 {
		t.Error("no task observed the cancellation")
	}
}

func TestPoolDefaultsToOneWorker(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.PoolConfig{Name: "test", NumWorkers: 0})

	errs := pool.Run(context.Background(), []workers.Task{
		workers.TaskFunc(func(ctx context.Context) error { return nil }),
	})
	if errs[0] != nil {
		t.Errorf("task failed: %v", errs[0])
	}
}

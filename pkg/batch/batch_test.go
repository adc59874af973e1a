package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_AllSucceed(t *testing.T) {
	tasks := make([]Task, 3)
	for i := range tasks {
		name := fmt.Sprintf("task-%d", i)
		tasks[i] = Task{
			Name: name,
			Run: func(ctx context.Context) (map[string]string, error) {
				return map[string]string{name: "done"}, nil
			},
		}
	}

	results := Run(context.Background(), tasks, Options{MaxConcurrency: 2})

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("Task %d failed: %v", i, r.Err)
		}
		if r.Name != fmt.Sprintf("task-%d", i) {
			t.Errorf("Result %d out of order: %s", i, r.Name)
		}
	}

	merged := MergedValues(results)
	if len(merged) != 3 {
		t.Errorf("Expected 3 merged values, got %d", len(merged))
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	// 5 tasks, index 3 always fails, stopOnError=false: 4 successes, 1
	// failure, and the failure does not alter sibling values.
	tasks := make([]Task, 5)
	for i := range tasks {
		i := i
		tasks[i] = Task{
			Name: fmt.Sprintf("task-%d", i),
			Run: func(ctx context.Context) (map[string]string, error) {
				if i == 3 {
					return nil, errors.New("task 3 boom")
				}
				return map[string]string{fmt.Sprintf("out-%d", i): "v"}, nil
			},
		}
	}

	results := Run(context.Background(), tasks, Options{MaxConcurrency: 5})

	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "task-3" {
		t.Fatalf("Expected exactly task-3 to fail, got %v", failed)
	}

	for _, i := range []int{0, 1, 2, 4} {
		r := results[i]
		if r.Err != nil {
			t.Errorf("Task %d should have succeeded: %v", i, r.Err)
		}
		if r.Values[fmt.Sprintf("out-%d", i)] != "v" {
			t.Errorf("Task %d value corrupted: %v", i, r.Values)
		}
	}
}

func TestRun_StopOnErrorSkipsAfterCriticalFailure(t *testing.T) {
	var started atomic.Int32

	tasks := []Task{
		{
			Name:     "critical-fail",
			Critical: true,
			Run: func(ctx context.Context) (map[string]string, error) {
				started.Add(1)
				return nil, errors.New("boom")
			},
		},
	}
	for i := 0; i < 4; i++ {
		tasks = append(tasks, Task{
			Name: fmt.Sprintf("later-%d", i),
			Run: func(ctx context.Context) (map[string]string, error) {
				started.Add(1)
				return nil, nil
			},
		})
	}

	// Single worker guarantees the critical failure lands before any
	// later task is dequeued.
	results := Run(context.Background(), tasks, Options{MaxConcurrency: 1, StopOnError: true})

	if started.Load() != 1 {
		t.Errorf("Expected only the critical task to start, got %d starts", started.Load())
	}

	for _, r := range results[1:] {
		if !r.Skipped {
			t.Errorf("Expected %s to be skipped", r.Name)
		}
		if !errors.Is(r.Err, ErrSkipped) {
			t.Errorf("Expected ErrSkipped for %s, got %v", r.Name, r.Err)
		}
	}
}

func TestRun_NonCriticalFailureDoesNotSkip(t *testing.T) {
	tasks := []Task{
		{
			Name: "fails",
			Run: func(ctx context.Context) (map[string]string, error) {
				return nil, errors.New("boom")
			},
		},
		{
			Name: "runs",
			Run: func(ctx context.Context) (map[string]string, error) {
				return map[string]string{"k": "v"}, nil
			},
		},
	}

	results := Run(context.Background(), tasks, Options{MaxConcurrency: 1, StopOnError: true})

	if results[1].Skipped {
		t.Error("Non-critical failure must not skip siblings")
	}
	if results[1].Err != nil {
		t.Errorf("Sibling should have run: %v", results[1].Err)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = Task{
			Name: fmt.Sprintf("task-%d", i),
			Run: func(ctx context.Context) (map[string]string, error) {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			},
		}
	}

	Run(context.Background(), tasks, Options{MaxConcurrency: 3})

	if peak > 3 {
		t.Errorf("Concurrency bound violated: peak %d > 3", peak)
	}
}

func TestCriticalFailedErr(t *testing.T) {
	ok := []Result{{Name: "a"}, {Name: "b"}}
	if err := CriticalFailedErr(ok); err != nil {
		t.Errorf("Expected nil for all-success, got %v", err)
	}

	boom := errors.New("boom")
	mixed := []Result{{Name: "a"}, {Name: "b", Err: boom}, {Name: "c", Err: boom}}
	err := CriticalFailedErr(mixed)
	if err == nil || !errors.Is(err, boom) {
		t.Errorf("Expected wrapped boom, got %v", err)
	}
}

// Package batch executes independent named tasks with bounded concurrency
// and per-task failure isolation. It is used inside deployment steps that fan
// out over otherwise-sequential work, such as creating several service
// accounts or granting several role bindings.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrSkipped marks tasks that were never started because a critical sibling
// failed while StopOnError was set.
var ErrSkipped = errors.New("task skipped")

// Task is one independent unit of work. Tasks share no mutable state with
// their siblings; each owns its inputs and produces its own result slot.
type Task struct {
	// Name identifies the task in results and logs.
	Name string

	// Critical marks tasks whose failure, under Options.StopOnError, stops
	// dispatch of not-yet-started siblings.
	Critical bool

	// Run performs the work and returns any key/value outputs it produced.
	Run func(ctx context.Context) (map[string]string, error)
}

// Options controls batch execution.
type Options struct {
	// MaxConcurrency bounds the number of tasks running at once.
	// Values <= 0 default to 4.
	MaxConcurrency int

	// StopOnError skips not-yet-started tasks once a critical task fails.
	// In-flight tasks always run to completion.
	StopOnError bool
}

// Result is the outcome of exactly one task.
type Result struct {
	Name    string
	Skipped bool
	Values  map[string]string
	Err     error
}

// Run executes tasks with at most opts.MaxConcurrency running concurrently.
// Every task yields exactly one Result, returned in input order. A task
// failure never alters the values reported by its siblings.
func Run(ctx context.Context, tasks []Task, opts Options) []Result {
	workers := opts.MaxConcurrency
	if workers <= 0 {
		workers = 4
	}
	if len(tasks) < workers {
		workers = len(tasks)
	}

	results := make([]Result, len(tasks))

	queue := make(chan int, len(tasks))
	for i := range tasks {
		queue <- i
	}
	close(queue)

	var criticalFailed atomic.Bool
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := range queue {
				task := tasks[i]

				if opts.StopOnError && criticalFailed.Load() {
					results[i] = Result{
						Name:    task.Name,
						Skipped: true,
						Err:     fmt.Errorf("%w: critical sibling failed", ErrSkipped),
					}
					continue
				}

				values, err := task.Run(ctx)
				results[i] = Result{Name: task.Name, Values: values, Err: err}

				if err != nil && task.Critical {
					criticalFailed.Store(true)
				}
			}
		}()
	}

	wg.Wait()
	return results
}

// Failed returns the results that carry an error, skipped tasks included.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// CriticalFailedErr returns the first error among failed results, or nil when
// every task succeeded. Skipped results are folded into the message so the
// caller sees the full blast radius.
func CriticalFailedErr(results []Result) error {
	failed := Failed(results)
	if len(failed) == 0 {
		return nil
	}
	first := failed[0]
	if len(failed) == 1 {
		return fmt.Errorf("task %q failed: %w", first.Name, first.Err)
	}
	return fmt.Errorf("task %q failed (and %d more): %w", first.Name, len(failed)-1, first.Err)
}

// MergedValues collects the key/value outputs of all successful tasks into a
// single map. Later tasks win on key collision.
func MergedValues(results []Result) map[string]string {
	merged := make(map[string]string)
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		for k, v := range r.Values {
			merged[k] = v
		}
	}
	return merged
}

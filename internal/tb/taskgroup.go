package tb

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Task is one independent unit of work run by RunAll.
type Task[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// Result is the outcome of one Task.
type Result[T any] struct {
	Name  string
	Value T
	Err   error
}

// RunAll runs every task with at most limit in flight, waits for all of them, and
// returns one Result per task in input order. A failing or panicking task never
// cancels or hides its siblings. limit <= 0 means unbounded.
func RunAll[T any](ctx context.Context, limit int, tasks []Task[T]) []Result[T] {
	results := make([]Result[T], len(tasks))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, task := range tasks {
		g.Go(func() error {
			results[i] = runTask(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func runTask[T any](ctx context.Context, task Task[T]) (res Result[T]) {
	res.Name = task.Name
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("task %s panicked: %v\n%s", task.Name, r, debug.Stack())
		}
	}()
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Value, res.Err = task.Fn(ctx)
	return res
}

// Failed returns the results that carry an error.
func Failed[T any](results []Result[T]) []Result[T] {
	var out []Result[T]
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
)

// Task is one isolated unit of work, typically a single recipient send.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type TaskResult struct {
	Name     string
	Err      error
	Attempts int
	Panicked bool
}

// Executor runs tasks so that one task's error or panic never affects the
// others. Errors marked retryable are retried with linear backoff.
type Executor struct {
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	Logger      *zap.Logger

	sleep func(context.Context, time.Duration) error
}

func NewExecutor(concurrency, maxAttempts int, backoff time.Duration, logger *zap.Logger) *Executor {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{Concurrency: concurrency, MaxAttempts: maxAttempts, Backoff: backoff, Logger: logger}
}

// Run executes all tasks and returns one result per task, in task order.
func (e *Executor) Run(ctx context.Context, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	workers := e.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				results[i] = e.runOne(ctx, tasks[i])
			}
		}()
	}
	for i := range tasks {
		next <- i
	}
	close(next)
	wg.Wait()
	return results
}

func (e *Executor) runOne(ctx context.Context, t Task) TaskResult {
	res := TaskResult{Name: t.Name}
	maxAttempts := e.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for {
		res.Attempts++
		err, panicked := e.call(ctx, t)
		res.Err, res.Panicked = err, panicked
		if err == nil || panicked || !appErrors.IsRetryable(err) || res.Attempts >= maxAttempts {
			return res
		}
		e.logger().Debug("retrying task", zap.String("task", t.Name), zap.Int("attempt", res.Attempts), zap.Error(err))
		if serr := e.wait(ctx, time.Duration(res.Attempts)*e.Backoff); serr != nil {
			res.Err = serr
			return res
		}
	}
}

func (e *Executor) call(ctx context.Context, t Task) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error("task panicked", zap.String("task", t.Name), zap.Any("panic", r))
			err, panicked = fmt.Errorf("task %s panicked: %v", t.Name, r), true
		}
	}()
	return t.Run(ctx), false
}

func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

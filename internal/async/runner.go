// Package async runs fire-and-forget work whose errors must still be seen.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTaskTimeout = 5 * time.Second

// Runner starts detached background tasks. A task never blocks or fails its
// caller; its error (or panic) goes to the logger sink.
type Runner struct {
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRunner returns a Runner logging to logger. Each task is bounded by
// timeout; a non-positive timeout selects the default.
func NewRunner(logger *zap.Logger, timeout time.Duration) (*Runner, error) {
	if logger == nil {
		return nil, errors.New("async: logger must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return &Runner{logger: logger, timeout: timeout}, nil
}

// Go runs fn on its own goroutine. The task keeps ctx values but not its
// cancellation, so it survives the request that spawned it.
func (r *Runner) Go(ctx context.Context, name string, fn func(context.Context) error, fields ...zap.Field) {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if err := r.run(taskCtx, fn); err != nil {
			r.logger.Warn("background task failed",
				append(fields, zap.String("task", name), zap.Error(err))...)
		}
	}()
}

func (r *Runner) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("async: panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every task started so far has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

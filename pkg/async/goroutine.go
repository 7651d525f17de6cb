package async

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
//   - Context cancellation support
//   - Panic recovery
//   - Timeout enforcement
//   - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
// To outlive the request that started it, pass context.WithoutCancel(ctx).
//
//	SafeGo(context.WithoutCancel(ctx), logger, time.Second, "audit decision", func(ctx context.Context) error {
//	    return sink.Log(ctx, record)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	go func() {
		if err := run(parentCtx, timeout, fn); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// run executes fn with a timeout and converts a panic into an error
func run(parentCtx context.Context, timeout time.Duration, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = observability.MustRecover(r)
		}
	}()

	return fn(ctx)
}

// Batch processes items with at most workers running concurrently and
// returns one error slot per item, in input order. Each call runs under its
// own timeout; a panic is reported as that item's error. Items not started
// before ctx is cancelled get ctx's error.
//
//	errs := Batch(ctx, inputs, 4, 10*time.Second, func(ctx context.Context, i int, in AssignRoleInput) error {
//	    results[i], err = svc.AssignRole(ctx, in)
//	    return err
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration,
	fn func(ctx context.Context, index int, item T) error) []error {

	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	if workers <= 0 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range items {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		i := i
		g.Go(func() error {
			errs[i] = run(ctx, timeout, func(ctx context.Context) error {
				return fn(ctx, i, items[i])
			})
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

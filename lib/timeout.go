package lib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TimeoutError is returned when the operation times out
var TimeoutError = errors.New("operation timed out")

// DoWorkWithTimeout runs fn in its own goroutine and races it against timeout.
// The context handed to fn is cancelled once the timeout fires, but fn is not
// waited for: a call stuck inside the engine must not hang the caller.
func DoWorkWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return doWork(ctx, timeout, 0, fn, nil)
}

// DoWorkWithTimeoutRelease is DoWorkWithTimeout for calls that acquire a
// resource. A value fn produces after the caller gave up is handed to release
// instead of being dropped.
func DoWorkWithTimeoutRelease[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error), release func(T)) (T, error) {
	return doWork(ctx, timeout, 0, fn, release)
}

// DoWorkWithTimeoutDrain is DoWorkWithTimeout that, once the timeout fired,
// keeps waiting up to drain for fn to return so fn can run its own cleanup.
// The timeout error is returned either way.
func DoWorkWithTimeoutDrain[T any](ctx context.Context, timeout, drain time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return doWork(ctx, timeout, drain, fn, nil)
}

func doWork[T any](ctx context.Context, timeout, drain time.Duration, fn func(ctx context.Context) (T, error), release func(T)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}

	workCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	resultChannel := make(chan result, 1)

	var (
		mu        sync.Mutex
		abandoned bool
	)
	releaseLate := func(res result) {
		if res.err == nil && release != nil {
			release(res.value)
		}
	}

	go func() {
		v, err := fn(workCtx)
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			releaseLate(result{value: v, err: err})
			return
		}
		resultChannel <- result{value: v, err: err}
	}()

	select {
	case res := <-resultChannel:
		return res.value, res.err
	case <-workCtx.Done():
	}
	timeoutErr := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", TimeoutError, timeout)
	}

	if drain > 0 {
		timer := time.NewTimer(drain)
		defer timer.Stop()
		select {
		case res := <-resultChannel:
			go releaseLate(res)
			return zero, timeoutErr()
		case <-timer.C:
		}
	}

	mu.Lock()
	abandoned = true
	select {
	case res := <-resultChannel:
		go releaseLate(res)
	default:
	}
	mu.Unlock()
	return zero, timeoutErr()
}

// RunWithTimeout is DoWorkWithTimeout for functions that only return an error.
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := DoWorkWithTimeout(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// IsTimeout reports whether err is a timeout raised by DoWorkWithTimeout or a
// deadline that expired inside the wrapped call.
func IsTimeout(err error) bool {
	return errors.Is(err, TimeoutError) || errors.Is(err, context.DeadlineExceeded)
}

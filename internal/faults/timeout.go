package faults

import (
	"context"
	"fmt"
	"time"
)

const (
	ReadTimeout  = 30 * time.Second
	WriteTimeout = 60 * time.Second
)

// WithTimeout runs op with a deadline of d. If the deadline passes first the
// call returns a Timeout error without waiting for op; op sees its context
// cancelled and must not mutate local state afterwards.
//
// Cancellation of the parent ctx is returned as-is.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := op(tctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return zero, timeoutError(d)
		}
		return r.v, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, timeoutError(d)
	}
}

func timeoutError(d time.Duration) *CloudError {
	return &CloudError{Kind: Timeout, Err: fmt.Errorf("operation timed out after %s", d)}
}

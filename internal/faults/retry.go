package faults

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/notesync/internal/logging"
)

// Policy bounds a retried call.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	MaxJitter         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		MaxJitter:         time.Second,
	}
}

// WithMaxRetries returns a copy of p allowing n retries.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// Delay returns the wait before retry number attempt (0-indexed):
// min(base * multiplier^attempt, max) plus up to MaxJitter of jitter.
// rnd returns a value in [0, 1); nil means no jitter.
func Delay(attempt int, p Policy, rnd func() float64) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)
	if rnd != nil && p.MaxJitter > 0 {
		delay += time.Duration(rnd() * float64(p.MaxJitter))
	}
	return delay
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
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

// Executor runs operations under a Policy. Sleep and Rand are seams so that
// tests never wait on the wall clock.
type Executor struct {
	Policy Policy
	Sleep  func(ctx context.Context, d time.Duration) error
	Rand   func() float64
	Logger logging.Logger
}

func NewExecutor(p Policy, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{
		Policy: p,
		Sleep:  SleepContext,
		Rand:   rand.Float64,
		Logger: logger.With("component", "retry"),
	}
}

// WithMaxRetries returns a copy of e with a different retry budget.
func (e *Executor) WithMaxRetries(n int) *Executor {
	cp := *e
	cp.Policy = e.Policy.WithMaxRetries(n)
	return &cp
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The returned error is always a *CloudError.
func (e *Executor) Do(ctx context.Context, c Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, e, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is the value-returning form of Executor.Do.
func Run[T any](ctx context.Context, e *Executor, c Context, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var last *CloudError
	maxRetries := max(e.Policy.MaxRetries, 0)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		c.Attempt = attempt + 1

		v, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger().Info(ctx, "operation succeeded after retry",
					"operation", c.Operation, "provider", c.Provider, "attempt", c.Attempt)
			}
			return v, nil
		}

		last = Enhance(err, c)
		if !last.Retryable() || attempt == maxRetries {
			break
		}

		wait := e.delay(attempt, last)
		e.logger().Warn(ctx, "operation failed, retrying",
			"operation", c.Operation, "provider", c.Provider, "attempt", c.Attempt,
			"kind", last.Kind.String(), "delay", wait, "error", last.Err)

		if err := e.sleep(ctx, wait); err != nil {
			e.logger().Warn(ctx, "retry aborted", "operation", c.Operation, "error", last.Err)
			return zero, Enhance(err, c)
		}
	}

	e.logger().Error(ctx, "operation failed",
		"operation", c.Operation, "provider", c.Provider, "attempts", c.Attempt,
		"kind", last.Kind.String(), "error", last.Err)
	return zero, last
}

func (e *Executor) delay(attempt int, last *CloudError) time.Duration {
	if last.Kind == RateLimit && last.RetryAfter > 0 {
		if e.Policy.MaxDelay > 0 && last.RetryAfter > e.Policy.MaxDelay {
			return e.Policy.MaxDelay
		}
		return last.RetryAfter
	}
	return Delay(attempt, e.Policy, e.Rand)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep == nil {
		return SleepContext(ctx, d)
	}
	return e.Sleep(ctx, d)
}

func (e *Executor) logger() logging.Logger {
	if e.Logger == nil {
		return logging.Nop()
	}
	return e.Logger
}

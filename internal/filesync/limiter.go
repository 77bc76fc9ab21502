package filesync

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/notesync/internal/faults"
	"golang.org/x/time/rate"
)

// limiters hands out one token bucket per provider name.
type limiters struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	byKey map[string]*rate.Limiter
}

func newLimiters(rps float64, burst int) *limiters {
	l := rate.Limit(rps)
	if rps <= 0 {
		l = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &limiters{rps: l, burst: burst, byKey: make(map[string]*rate.Limiter)}
}

func (l *limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.byKey[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.byKey[key] = lim
	}
	return lim
}

func (l *limiters) wait(ctx context.Context, key string) error {
	if err := l.get(key).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Wrap(faults.RateLimit, err)
	}
	return nil
}

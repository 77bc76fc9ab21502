// Package offline tracks connectivity and routes operations either to their
// online path or to an offline fallback.
//
// The Gate is driven by two inputs: explicit platform signals via SetOnline,
// and an active probe loop (Run) that checks reachability every
// OnlineInterval while online and every OfflineInterval while offline.
package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/dmitrijs2005/notesync/internal/logging"
)

const (
	DefaultOnlineInterval  = 30 * time.Second
	DefaultOfflineInterval = 10 * time.Second
	probeTimeout           = 5 * time.Second
)

type Mode int

const (
	ModeOnline Mode = iota
	ModeOffline
)

func (m Mode) String() string {
	if m == ModeOnline {
		return "online"
	}
	return "offline"
}

// State is the snapshot handed to listeners.
type State struct {
	Mode         Mode
	LastOnline   time.Time
	OfflineSince time.Time
}

func (s State) Online() bool { return s.Mode == ModeOnline }

// Listener observes state transitions. It is called outside the gate's lock.
type Listener func(State)

// Prober checks whether the remote side is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

type Options struct {
	Prober          Prober
	OnlineInterval  time.Duration
	OfflineInterval time.Duration
	// StartOffline starts the gate in offline mode.
	StartOffline bool
	Logger       logging.Logger
	Now          func() time.Time
}

type Gate struct {
	mu           sync.Mutex
	mode         Mode
	lastOnline   time.Time
	offlineSince time.Time
	listeners    map[int]Listener
	nextID       int
	pending      int

	prober          Prober
	onlineInterval  time.Duration
	offlineInterval time.Duration
	now             func() time.Time
	logger          logging.Logger
	wg              sync.WaitGroup
}

func New(opts Options) *Gate {
	g := &Gate{
		listeners:       make(map[int]Listener),
		prober:          opts.Prober,
		onlineInterval:  opts.OnlineInterval,
		offlineInterval: opts.OfflineInterval,
		now:             opts.Now,
		logger:          opts.Logger,
	}
	if g.onlineInterval <= 0 {
		g.onlineInterval = DefaultOnlineInterval
	}
	if g.offlineInterval <= 0 {
		g.offlineInterval = DefaultOfflineInterval
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = logging.Nop()
	}
	g.logger = g.logger.With("component", "offline")

	if opts.StartOffline {
		g.mode = ModeOffline
		g.offlineSince = g.now()
	} else {
		g.lastOnline = g.now()
	}
	return g
}

func (g *Gate) IsOnline() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode == ModeOnline
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked()
}

func (g *Gate) stateLocked() State {
	return State{Mode: g.mode, LastOnline: g.lastOnline, OfflineSince: g.offlineSince}
}

// SetOnline records a connectivity signal. Repeating the current state is a no-op.
func (g *Gate) SetOnline(online bool) {
	mode := ModeOffline
	if online {
		mode = ModeOnline
	}

	g.mu.Lock()
	if g.mode == mode {
		if online {
			g.lastOnline = g.now()
		}
		g.mu.Unlock()
		return
	}
	g.mode = mode
	if online {
		g.lastOnline = g.now()
		g.offlineSince = time.Time{}
	} else {
		g.offlineSince = g.now()
	}
	state := g.stateLocked()
	listeners := make([]Listener, 0, len(g.listeners))
	for _, l := range g.listeners {
		listeners = append(listeners, l)
	}
	g.mu.Unlock()

	g.logger.Info(context.Background(), "connectivity changed", "mode", mode.String())
	for _, l := range listeners {
		g.notify(l, state)
	}
}

func (g *Gate) notify(l Listener, s State) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(context.Background(), "listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	l(s)
}

// Subscribe registers l and returns a function that removes it.
func (g *Gate) Subscribe(l Listener) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = l
	g.mu.Unlock()

	return func() { g.unsubscribe(id) }
}

func (g *Gate) unsubscribe(id int) {
	g.mu.Lock()
	delete(g.listeners, id)
	g.mu.Unlock()
}

// Check probes once and records the result.
func (g *Gate) Check(ctx context.Context) bool {
	if g.prober == nil {
		return g.IsOnline()
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := g.prober.Probe(pctx)
	cancel()

	if ctx.Err() != nil {
		return g.IsOnline()
	}
	if err != nil {
		g.logger.Debug(ctx, "probe failed", "error", err)
	}
	g.SetOnline(err == nil)
	return err == nil
}

// Run probes until ctx is cancelled. The wait between probes depends on the
// current mode, so recovery is noticed sooner while offline.
func (g *Gate) Run(ctx context.Context) {
	for {
		interval := g.onlineInterval
		if !g.IsOnline() {
			interval = g.offlineInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			g.Check(ctx)
		}
	}
}

// WithFallback runs online unless the gate is offline, in which case fallback
// is used without any network attempt. A connectivity failure of online flips
// the gate offline and also yields fallback; other errors are returned.
func WithFallback[T any](ctx context.Context, g *Gate, name string, online func(ctx context.Context) (T, error), fallback func() T) (T, error) {
	if !g.IsOnline() {
		g.logger.Debug(ctx, "offline, using fallback", "operation", name)
		return fallback(), nil
	}

	v, err := online(ctx)
	if err == nil {
		return v, nil
	}

	if faults.KindOf(err).Connectivity() {
		g.logger.Warn(ctx, "network failure, switching to offline", "operation", name, "error", err)
		g.SetOnline(false)
		return fallback(), nil
	}
	return v, err
}

// QueueForLater runs op now if online (without waiting for it), or once the
// gate next becomes online. Failures are logged.
func (g *Gate) QueueForLater(ctx context.Context, name string, op func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	g.mu.Lock()
	if g.mode == ModeOnline {
		g.mu.Unlock()
		g.runQueued(ctx, name, op)
		return
	}

	id := g.nextID
	g.nextID++
	g.pending++
	var once sync.Once
	g.listeners[id] = func(s State) {
		if !s.Online() {
			return
		}
		once.Do(func() {
			g.mu.Lock()
			delete(g.listeners, id)
			g.pending--
			g.mu.Unlock()
			g.runQueued(ctx, name, op)
		})
	}
	g.mu.Unlock()

	g.logger.Info(ctx, "operation queued until online", "operation", name)
}

func (g *Gate) runQueued(ctx context.Context, name string, op func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := op(ctx); err != nil {
			g.logger.Error(ctx, "queued operation failed", "operation", name, "error", err)
			return
		}
		g.logger.Debug(ctx, "queued operation completed", "operation", name)
	}()
}

// Pending is the number of operations waiting for connectivity.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Wait blocks until every started queued operation has returned.
func (g *Gate) Wait() {
	g.wg.Wait()
}

// OfflineDuration is how long the gate has been offline, zero when online.
func (g *Gate) OfflineDuration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == ModeOnline || g.offlineSince.IsZero() {
		return 0
	}
	return g.now().Sub(g.offlineSince)
}

// OfflineDurationText renders OfflineDuration as "2m 5s" or "40s", or "" when online.
func (g *Gate) OfflineDurationText() string {
	if g.IsOnline() {
		return ""
	}
	d := g.OfflineDuration()
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

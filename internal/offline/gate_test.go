package offline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/notesync/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakeProber) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return f.err
}

func (f *fakeProber) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestSetOnline_IdempotentAndNotifies(t *testing.T) {
	g := New(Options{})
	var got []State
	g.Subscribe(func(s State) { got = append(got, s) })

	g.SetOnline(true)
	assert.Empty(t, got, "already online")

	g.SetOnline(false)
	g.SetOnline(false)
	require.Len(t, got, 1)
	assert.False(t, got[0].Online())
	assert.False(t, got[0].OfflineSince.IsZero())

	g.SetOnline(true)
	require.Len(t, got, 2)
	assert.True(t, got[1].Online())
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	g := New(Options{})
	calls := 0
	unsub := g.Subscribe(func(State) { calls++ })
	g.SetOnline(false)
	unsub()
	g.SetOnline(true)
	assert.Equal(t, 1, calls)
}

func TestListenerPanicIsRecovered(t *testing.T) {
	g := New(Options{})
	called := false
	g.Subscribe(func(State) { panic("boom") })
	g.Subscribe(func(State) { called = true })

	assert.NotPanics(t, func() { g.SetOnline(false) })
	assert.True(t, called)
}

func TestWithFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("offline skips online op", func(t *testing.T) {
		g := New(Options{StartOffline: true})
		v, err := WithFallback(ctx, g, "open", func(context.Context) (string, error) {
			t.Fatal("online op must not run")
			return "", nil
		}, func() string { return "placeholder" })
		require.NoError(t, err)
		assert.Equal(t, "placeholder", v)
	})

	t.Run("online success", func(t *testing.T) {
		g := New(Options{})
		v, err := WithFallback(ctx, g, "open", func(context.Context) (string, error) {
			return "remote", nil
		}, func() string { return "placeholder" })
		require.NoError(t, err)
		assert.Equal(t, "remote", v)
	})

	t.Run("network failure flips offline", func(t *testing.T) {
		g := New(Options{})
		v, err := WithFallback(ctx, g, "open", func(context.Context) (string, error) {
			return "", faults.Wrap(faults.Network, errors.New("dial failed"))
		}, func() string { return "placeholder" })
		require.NoError(t, err)
		assert.Equal(t, "placeholder", v)
		assert.False(t, g.IsOnline())
	})

	t.Run("other failure propagates", func(t *testing.T) {
		g := New(Options{})
		_, err := WithFallback(ctx, g, "open", func(context.Context) (string, error) {
			return "", faults.Wrap(faults.Authentication, errors.New("expired"))
		}, func() string { return "placeholder" })
		assert.ErrorIs(t, err, faults.ErrAuthentication)
		assert.True(t, g.IsOnline())
	})
}

func TestQueueForLater_OnlineRunsImmediately(t *testing.T) {
	g := New(Options{})
	var ran atomic.Bool
	g.QueueForLater(context.Background(), "save", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	g.Wait()
	assert.True(t, ran.Load())
	assert.Equal(t, 0, g.Pending())
}

func TestQueueForLater_OfflineRunsOnceOnReconnect(t *testing.T) {
	g := New(Options{StartOffline: true})
	var runs atomic.Int32
	g.QueueForLater(context.Background(), "save", func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not returned")
	})
	assert.Equal(t, 1, g.Pending())

	g.SetOnline(true)
	g.Wait()
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 0, g.Pending())

	g.SetOnline(false)
	g.SetOnline(true)
	g.Wait()
	assert.Equal(t, int32(1), runs.Load(), "one-shot")
}

func TestQueueForLater_SurvivesCallerCancel(t *testing.T) {
	g := New(Options{StartOffline: true})
	ctx, cancel := context.WithCancel(context.Background())
	var sawErr atomic.Value
	g.QueueForLater(ctx, "save", func(ctx context.Context) error {
		sawErr.Store(ctx.Err() == nil)
		return nil
	})
	cancel()

	g.SetOnline(true)
	g.Wait()
	assert.Equal(t, true, sawErr.Load())
}

func TestCheck(t *testing.T) {
	p := &fakeProber{}
	g := New(Options{Prober: p})

	p.set(errors.New("unreachable"))
	assert.False(t, g.Check(context.Background()))
	assert.False(t, g.IsOnline())

	p.set(nil)
	assert.True(t, g.Check(context.Background()))
	assert.True(t, g.IsOnline())
}

func TestRun_ProbesUntilCancelled(t *testing.T) {
	p := &fakeProber{err: errors.New("down")}
	g := New(Options{Prober: p, OnlineInterval: time.Millisecond, OfflineInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !g.IsOnline() }, time.Second, time.Millisecond)
	p.set(nil)
	assert.Eventually(t, g.IsOnline, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestOfflineDurationText(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	g := New(Options{StartOffline: true, Now: func() time.Time { return clock }})

	clock = now.Add(40 * time.Second)
	assert.Equal(t, "40s", g.OfflineDurationText())

	clock = now.Add(2*time.Minute + 5*time.Second)
	assert.Equal(t, "2m 5s", g.OfflineDurationText())

	g.SetOnline(true)
	assert.Equal(t, "", g.OfflineDurationText())
	assert.Equal(t, time.Duration(0), g.OfflineDuration())
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewHTTPProber(srv.URL).Probe(context.Background()))

	srv.Close()
	assert.Error(t, NewHTTPProber(srv.URL).Probe(context.Background()))
}

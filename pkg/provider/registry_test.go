package provider

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolgate/pkg/catalog"
	"github.com/harun/toolgate/pkg/tool"
)

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
}

func (o *recordingObserver) ObserveSessionTransition(providerID, from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, providerID+":"+from+"->"+to)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	cfg.CloseGrace = time.Second
	cfg.HealthInterval = 0
	return cfg
}

func newTestRegistry(l *memLauncher, cat *catalog.Catalog, opts ...Option) *Registry {
	opts = append([]Option{WithLauncher(l), WithPublisher(cat)}, opts...)
	return NewRegistry(fastConfig(), testValidator(), opts...)
}

func TestRegistry_ConnectAllIsBestEffort(t *testing.T) {
	l := newMemLauncher()
	cat := catalog.New()

	var rejected []string
	r := newTestRegistry(l, cat, WithRejectionHandler(func(entry Entry, reason string) {
		rejected = append(rejected, entry.ID+": "+reason)
	}))
	defer r.ShutdownAll(context.Background())

	require.NoError(t, r.Register(testEntry("p1")))
	require.NoError(t, r.Register(Entry{ID: "p2", Command: "rm", Args: []string{"-rf", "/"}}))

	err := r.ConnectAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, tool.ErrValidation)

	// the rejected entry was never launched and never retried
	assert.Equal(t, int32(1), l.launches.Load())
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0], "p2")

	_, ok := r.SessionFor("p1")
	assert.True(t, ok)
	_, ok = r.SessionFor("p2")
	assert.False(t, ok)

	_, ok = cat.Lookup("p1.echo")
	assert.True(t, ok)
	for _, d := range cat.All() {
		assert.NotEqual(t, "p2", d.ProviderID)
	}

	status := r.Status()
	require.Len(t, status, 2)
	assert.Equal(t, AvailabilityAvailable, status[0].Availability)
	assert.Equal(t, "ready", status[0].State)
	assert.Equal(t, 4, status[0].Tools)
	assert.Equal(t, AvailabilityUnavailable, status[1].Availability)
	assert.Contains(t, status[1].LastError, "not allowlisted")
}

func TestRegistry_RetriesTransportFailures(t *testing.T) {
	l := newMemLauncher()
	l.failures.Store(2)
	r := newTestRegistry(l, catalog.New())
	defer r.ShutdownAll(context.Background())

	require.NoError(t, r.Register(testEntry("p1")))
	require.NoError(t, r.Connect(context.Background(), "p1"))

	assert.Equal(t, int32(3), l.launches.Load())
	_, ok := r.SessionFor("p1")
	assert.True(t, ok)
}

func TestRegistry_RetryIsBounded(t *testing.T) {
	l := newMemLauncher()
	l.failures.Store(10)
	r := newTestRegistry(l, catalog.New())

	require.NoError(t, r.Register(testEntry("p1")))
	err := r.Connect(context.Background(), "p1")

	require.Error(t, err)
	assert.ErrorIs(t, err, tool.ErrTransport)
	assert.Equal(t, int32(3), l.launches.Load())

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, AvailabilityUnavailable, status[0].Availability)
	assert.Equal(t, 3, status[0].Attempts)
}

func TestRegistry_ProviderDisappearingLeavesCatalog(t *testing.T) {
	l := newMemLauncher()
	cat := catalog.New()
	obs := &recordingObserver{}
	r := newTestRegistry(l, cat, WithObserver(obs))
	defer r.ShutdownAll(context.Background())

	require.NoError(t, r.Register(testEntry("p1")))
	require.NoError(t, r.ConnectAll(context.Background()))
	require.Equal(t, 4, cat.Len())

	require.NoError(t, l.lastServerSession().Close())

	require.Eventually(t, func() bool { return cat.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, ok := r.SessionFor("p1")
	assert.False(t, ok)

	status := r.Status()
	assert.Equal(t, AvailabilityUnavailable, status[0].Availability)

	// reconnect brings the tools back
	r.CheckHealth(context.Background())
	_, ok = cat.Lookup("p1.echo")
	assert.True(t, ok)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Contains(t, obs.transitions, "p1:ready->faulted")
}

func TestRegistry_RegisterReplacesEntry(t *testing.T) {
	l := newMemLauncher()
	cat := catalog.New()
	r := newTestRegistry(l, cat)
	defer r.ShutdownAll(context.Background())

	require.NoError(t, r.Register(testEntry("p1")))
	require.NoError(t, r.ConnectAll(context.Background()))
	old, ok := r.SessionFor("p1")
	require.True(t, ok)

	replacement := testEntry("p1")
	replacement.Args = []string{"server-v2.js"}
	require.NoError(t, r.Register(replacement))

	assert.Equal(t, StateClosed, old.State())
	assert.Equal(t, 0, cat.Len())
	assert.Len(t, r.Entries(), 1)
	assert.Equal(t, []string{"server-v2.js"}, r.Entries()[0].Args)
}

func TestRegistry_RegisterRejectsMalformedEntry(t *testing.T) {
	r := newTestRegistry(newMemLauncher(), catalog.New())

	assert.Error(t, r.Register(Entry{Command: "node"}))
	assert.Error(t, r.Register(Entry{ID: "a.b", Command: "node"}))
	assert.Error(t, r.Register(Entry{ID: "p1"}))
	assert.Error(t, r.Connect(context.Background(), "missing"))
}

func TestRegistry_ShutdownAll(t *testing.T) {
	l := newMemLauncher()
	cat := catalog.New()
	r := newTestRegistry(l, cat)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(testEntry(id)))
	}
	require.NoError(t, r.ConnectAll(context.Background()))
	sessions := r.ReadySessions()
	require.Len(t, sessions, 3)

	require.NoError(t, r.ShutdownAll(context.Background()))

	for _, s := range sessions {
		assert.Equal(t, StateClosed, s.State())
	}
	assert.Empty(t, r.ReadySessions())
	assert.Equal(t, 0, cat.Len())
}

func TestRegistry_Refresh(t *testing.T) {
	l := newMemLauncher()
	cat := catalog.New()
	r := newTestRegistry(l, cat)
	defer r.ShutdownAll(context.Background())

	require.NoError(t, r.Register(testEntry("p1")))
	require.NoError(t, r.ConnectAll(context.Background()))

	cat.RemoveProvider("p1")
	require.Equal(t, 0, cat.Len())

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 4, cat.Len())
}

func TestRetryPolicy_BackOff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}

	b := p.BackOff(context.Background())
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "three retries after the first attempt")

	p.MaxAttempts = 2
	p.JitterFraction = 0.5
	for i := 0; i < 20; i++ {
		d := p.BackOff(context.Background()).NextBackOff()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, backoff.Stop, p.BackOff(ctx).NextBackOff())

	single := RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond}
	assert.Equal(t, backoff.Stop, single.BackOff(context.Background()).NextBackOff())
}

// gatedLauncher holds every launch until release is closed.
type gatedLauncher struct {
	*memLauncher
	started chan struct{}
	release chan struct{}
}

func newGatedLauncher() *gatedLauncher {
	return &gatedLauncher{
		memLauncher: newMemLauncher(),
		started:     make(chan struct{}, 16),
		release:     make(chan struct{}),
	}
}

func (g *gatedLauncher) Launch(entry Entry) (mcp.Transport, *exec.Cmd, error) {
	g.started <- struct{}{}
	<-g.release
	return g.memLauncher.Launch(entry)
}

func (o *recordingObserver) count(suffix string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, tr := range o.transitions {
		if strings.HasSuffix(tr, suffix) {
			n++
		}
	}
	return n
}

func TestRegistry_ConcurrentConnectSpawnsOnce(t *testing.T) {
	g := newGatedLauncher()
	cat := catalog.New()
	obs := &recordingObserver{}
	r := NewRegistry(fastConfig(), testValidator(), WithLauncher(g), WithPublisher(cat), WithObserver(obs))

	require.NoError(t, r.Register(testEntry("p1")))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Connect(context.Background(), "p1")
		}(i)
	}

	<-g.started
	time.Sleep(50 * time.Millisecond)
	close(g.release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), g.launches.Load())
	assert.Equal(t, 1, obs.count("->ready"))

	require.NoError(t, r.ShutdownAll(context.Background()))
	assert.Equal(t, 1, obs.count("->closed"), "every ready session is closed")
}

func TestRegistry_StaleConnectIsDiscarded(t *testing.T) {
	tests := []struct {
		name      string
		interrupt func(t *testing.T, r *Registry)
	}{
		{
			name: "entry replaced with different args",
			interrupt: func(t *testing.T, r *Registry) {
				replacement := testEntry("p1")
				replacement.Args = []string{"server-v2.js"}
				require.NoError(t, r.Register(replacement))
			},
		},
		{
			name: "registry shut down",
			interrupt: func(t *testing.T, r *Registry) {
				require.NoError(t, r.ShutdownAll(context.Background()))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGatedLauncher()
			cat := catalog.New()
			obs := &recordingObserver{}
			r := NewRegistry(fastConfig(), testValidator(), WithLauncher(g), WithPublisher(cat), WithObserver(obs))
			defer r.ShutdownAll(context.Background())

			require.NoError(t, r.Register(testEntry("p1")))

			done := make(chan error, 1)
			go func() { done <- r.Connect(context.Background(), "p1") }()

			<-g.started
			tt.interrupt(t, r)
			close(g.release)
			require.NoError(t, <-done)

			_, ok := r.SessionFor("p1")
			assert.False(t, ok)
			assert.Equal(t, 0, cat.Len())
			assert.Equal(t, 1, obs.count("->ready"))
			assert.Equal(t, 1, obs.count("->closed"), "the stale session was closed")
		})
	}
}

func TestRegistry_InstallRefusesSessionThatLeftReady(t *testing.T) {
	l := newMemLauncher()
	cat := catalog.New()
	r := newTestRegistry(l, cat)
	defer r.ShutdownAll(context.Background())

	require.NoError(t, r.Register(testEntry("p1")))

	s := connectTest(t, l, testEntry("p1"), nil)
	require.NoError(t, s.Close())

	r.mu.RLock()
	sl, epoch := r.slots["p1"], r.epoch
	r.mu.RUnlock()

	err := r.install(context.Background(), sl, epoch, s)
	require.Error(t, err)

	_, ok := r.SessionFor("p1")
	assert.False(t, ok)
	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, AvailabilityUnavailable, status[0].Availability)

	// unavailable entries are retried by the health pass
	r.CheckHealth(context.Background())
	_, ok = r.SessionFor("p1")
	assert.True(t, ok)
}

package hunter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screa/ip-hunter/internal/ledger"
	"github.com/screa/ip-hunter/internal/notify"
	"github.com/screa/ip-hunter/internal/provision"
	"github.com/screa/ip-hunter/pkg/backoff"
	"github.com/screa/ip-hunter/pkg/ranges"
	"github.com/screa/ip-hunter/pkg/stats"
	"github.com/screa/ip-hunter/pkg/types"
)

// funcClient adapts functions to provision.Client and counts calls
type funcClient struct {
	acquire  func(ctx context.Context, n int64) (*types.Resource, error)
	release  func(ctx context.Context, id string) error
	acquired atomic.Int64

	mu       sync.Mutex
	released []string
}

func (c *funcClient) Acquire(ctx context.Context) (*types.Resource, error) {
	return c.acquire(ctx, c.acquired.Add(1))
}

func (c *funcClient) Release(ctx context.Context, id string) error {
	c.mu.Lock()
	c.released = append(c.released, id)
	c.mu.Unlock()
	if c.release != nil {
		return c.release(ctx, id)
	}
	return nil
}

func (c *funcClient) releasedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.released...)
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(_ context.Context, e notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) count(t notify.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) last(t notify.EventType) (notify.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return notify.Event{}, false
}

func noSleep() backoff.Sleeper {
	return backoff.SleeperFunc(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

func testOptions(t *testing.T, workers int, client provision.Client) (Options, *eventLog) {
	t.Helper()
	m, err := ranges.Parse([]string{"10.0.0.1-10.0.0.10"})
	require.NoError(t, err)
	events := &eventLog{}
	return Options{
		Workers:       workers,
		Matcher:       m,
		Client:        client,
		Notifier:      events,
		StatsFile:     filepath.Join(t.TempDir(), "stats.json"),
		Quota:         backoff.DefaultQuota(),
		Transient:     backoff.DefaultTransient(),
		Sleeper:       noSleep(),
		ShutdownGrace: 5 * time.Second,
		RunID:         "test-run",
	}, events
}

func resource(n int64, addr string) *types.Resource {
	return &types.Resource{ID: fmt.Sprintf("res-%d", n), Addresses: []string{addr}}
}

func TestRunValidation(t *testing.T) {
	client := &funcClient{}
	opts, _ := testOptions(t, 0, client)

	_, err := New(opts).Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Equal(t, ExitConfig, ExitCode(err))

	opts.Workers = 1
	opts.Client = nil
	_, err = New(opts).Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	opts.Client = client
	opts.Matcher = nil
	_, err = New(opts).Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestScenarioMatchEndsHunt(t *testing.T) {
	client := &funcClient{acquire: func(_ context.Context, n int64) (*types.Resource, error) {
		if n < 3 {
			return resource(n, "10.0.0.20"), nil
		}
		return resource(n, "10.0.0.5"), nil
	}}
	opts, events := testOptions(t, 1, client)

	result, err := New(opts).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, ExitMatch, ExitCode(err))
	assert.Equal(t, "10.0.0.5", result.MatchedAddress)
	assert.Equal(t, "res-3", result.ResourceID)
	assert.Equal(t, []string{"res-1", "res-2"}, client.releasedIDs())
	assert.Equal(t, 1, events.count(notify.Started))
	assert.Equal(t, 1, events.count(notify.MatchFound))

	snap, err := stats.Load(opts.StatsFile)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.TotalAttempts)
	assert.False(t, snap.StoppedAt.IsZero())
}

func TestScenarioAuthErrorStopsEveryWorker(t *testing.T) {
	client := &funcClient{acquire: func(ctx context.Context, n int64) (*types.Resource, error) {
		if n == 1 {
			return nil, provision.StatusError("acquire", 401, "expired")
		}
		<-ctx.Done()
		return nil, provision.Classify("acquire", ctx.Err())
	}}
	opts, events := testOptions(t, 4, client)

	result, err := New(opts).Run(context.Background())

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrFatalAuth)
	assert.Equal(t, ExitAuth, ExitCode(err))
	assert.Equal(t, 1, events.count(notify.FatalAuthError))
	// only the failing attempt counts; the others were cut short by the stop
	assert.LessOrEqual(t, client.acquired.Load(), int64(4))

	snap, err := stats.Load(opts.StatsFile)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.TotalAttempts)
	assert.Equal(t, uint64(1), snap.Outcomes[types.AuthError])
}

func TestScenarioCancellationReleasesHeldResource(t *testing.T) {
	holding := make(chan struct{})
	client := &funcClient{acquire: func(ctx context.Context, n int64) (*types.Resource, error) {
		if n > 1 {
			<-ctx.Done()
			return nil, provision.Classify("acquire", ctx.Err())
		}
		close(holding)
		<-ctx.Done()
		// the resource was created while the hunt was being cancelled
		return resource(n, "10.0.0.99"), nil
	}}
	opts, events := testOptions(t, 1, client)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-holding
		cancel()
	}()

	result, err := New(opts).Run(ctx)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, ExitCancelled, ExitCode(err))
	assert.Equal(t, []string{"res-1"}, client.releasedIDs())
	assert.Equal(t, 1, events.count(notify.Stopped))

	snap, err := stats.Load(opts.StatsFile)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.TotalAttempts)
	assert.Equal(t, uint64(1), snap.AddressCounts["10.0.0.99"])
}

func TestFirstWriterWinsAcrossWorkers(t *testing.T) {
	start := make(chan struct{})
	client := &funcClient{acquire: func(_ context.Context, n int64) (*types.Resource, error) {
		<-start
		return resource(n, "10.0.0.7"), nil
	}}
	opts, events := testOptions(t, 8, client)
	h := New(opts)

	done := make(chan struct{})
	var result *types.HuntResult
	var err error
	go func() {
		result, err = h.Run(context.Background())
		close(done)
	}()
	close(start)
	<-done

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, events.count(notify.MatchFound))

	acquired := client.acquired.Load()
	snap := h.Stats()
	assert.Equal(t, uint64(acquired), snap.Outcomes[types.Matched])
	// every loser released its matching resource, the winner kept its own
	released := client.releasedIDs()
	assert.Len(t, released, int(acquired)-1)
	assert.NotContains(t, released, result.ResourceID)
}

func TestExhaustedWhenEveryWorkerGivesUp(t *testing.T) {
	client := &funcClient{acquire: func(_ context.Context, _ int64) (*types.Resource, error) {
		return nil, provision.StatusError("acquire", 503, "down")
	}}
	opts, events := testOptions(t, 2, client)
	opts.Transient.MaxRetries = 2

	_, err := New(opts).Run(context.Background())

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Equal(t, 1, events.count(notify.Stopped))
	assert.Equal(t, int64(6), client.acquired.Load())
}

func TestStallEmitsSingleEventPerEpisode(t *testing.T) {
	client := &funcClient{acquire: func(_ context.Context, _ int64) (*types.Resource, error) {
		return nil, provision.StatusError("acquire", 429, "quota")
	}}
	opts, events := testOptions(t, 2, client)
	opts.StallAfter = 20 * time.Millisecond
	// workers park in their first backoff until the hunt is cancelled
	opts.Sleeper = backoff.TimerSleeper{}
	opts.Quota = backoff.Policy{Strategy: backoff.Fixed, Initial: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := New(opts).Run(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return events.count(notify.Stalled) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, ErrCancelled)
	assert.Equal(t, 1, events.count(notify.Stalled))
}

func TestProgressNotificationsAndLedger(t *testing.T) {
	client := &funcClient{acquire: func(_ context.Context, n int64) (*types.Resource, error) {
		if n <= 4 {
			return resource(n, fmt.Sprintf("10.0.1.%d", n%2)), nil
		}
		return resource(n, "10.0.0.2"), nil
	}}
	opts, events := testOptions(t, 1, client)
	opts.NotifyEvery = 2

	l, err := ledger.Open(":memory:", "test-run")
	require.NoError(t, err)
	defer l.Close()
	opts.Ledger = l

	_, err = New(opts).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, events.count(notify.Progress))

	counts, err := l.Counts(context.Background(), "test-run")
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[types.Unmatched])
	assert.Equal(t, int64(1), counts[types.Matched])
}

func TestOrphanedResourcesAreTracked(t *testing.T) {
	client := &funcClient{
		acquire: func(_ context.Context, n int64) (*types.Resource, error) {
			if n == 1 {
				return resource(n, "10.0.0.50"), nil
			}
			return resource(n, "10.0.0.1"), nil
		},
		release: func(context.Context, string) error { return errors.New("conflict") },
	}
	opts, events := testOptions(t, 1, client)
	h := New(opts)

	_, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"res-1"}, h.Stats().Orphans)
	assert.Equal(t, 1, events.count(notify.Orphaned))
}

func TestShutdownRetriesOrphanedReleases(t *testing.T) {
	var failed atomic.Bool
	client := &funcClient{
		acquire: func(_ context.Context, n int64) (*types.Resource, error) {
			if n == 1 {
				return resource(n, "10.0.0.50"), nil
			}
			return resource(n, "10.0.0.1"), nil
		},
		// only the first release fails
		release: func(context.Context, string) error {
			if failed.CompareAndSwap(false, true) {
				return errors.New("conflict")
			}
			return nil
		},
	}
	opts, events := testOptions(t, 1, client)
	h := New(opts)

	_, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"res-1", "res-1"}, client.releasedIDs())
	assert.Empty(t, h.Stats().Orphans)
	assert.Equal(t, 1, events.count(notify.Orphaned))

	e, ok := events.last(notify.MatchFound)
	require.True(t, ok)
	assert.Equal(t, 1, e.Fields["released_orphans"])
	assert.NotContains(t, e.Fields, "orphans")

	snap, err := stats.Load(opts.StatsFile)
	require.NoError(t, err)
	assert.Empty(t, snap.Orphans)
}

func TestCancellationIsNeverReportedAsExhausted(t *testing.T) {
	for i := 0; i < 200; i++ {
		started := make(chan struct{}, 4)
		client := &funcClient{acquire: func(ctx context.Context, _ int64) (*types.Resource, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, provision.Classify("acquire", ctx.Err())
		}}
		opts, _ := testOptions(t, 4, client)
		opts.Notifier = notify.Multi{}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()

		_, err := New(opts).Run(ctx)
		require.ErrorIs(t, err, ErrCancelled, "iteration %d", i)
		require.Equal(t, ExitCancelled, ExitCode(err))
	}
}

// oneShotListener asks for stats once and keeps the reply
type oneShotListener struct {
	reply chan string
}

func (l *oneShotListener) Listen(ctx context.Context, h notify.Handler) error {
	l.reply <- h(ctx, notify.CommandStats)
	<-ctx.Done()
	return nil
}

func TestListenerReadsStats(t *testing.T) {
	client := &funcClient{acquire: func(ctx context.Context, _ int64) (*types.Resource, error) {
		<-ctx.Done()
		return nil, provision.Classify("acquire", ctx.Err())
	}}
	opts, _ := testOptions(t, 1, client)
	listener := &oneShotListener{reply: make(chan string, 1)}
	opts.Listener = listener
	h := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.Run(ctx)
		done <- err
	}()

	reply := <-listener.reply
	assert.Contains(t, reply, "Attempts")
	cancel()
	assert.ErrorIs(t, <-done, ErrCancelled)
}

func TestStopCancelsHunt(t *testing.T) {
	client := &funcClient{acquire: func(_ context.Context, n int64) (*types.Resource, error) {
		return resource(n, "192.0.2.1"), nil
	}}
	opts, _ := testOptions(t, 2, client)
	h := New(opts)

	go func() {
		for h.Stats().TotalAttempts < 10 {
			time.Sleep(time.Millisecond)
		}
		h.Stop()
	}()

	_, err := h.Run(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	snap := h.Stats()
	assert.Equal(t, snap.TotalAttempts, snap.Outcomes[types.Unmatched])
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitMatch},
		{fmt.Errorf("wrap: %w", ErrInvalidConfiguration), ExitConfig},
		{fmt.Errorf("%w: %w", ErrFatalAuth, errors.New("401")), ExitAuth},
		{ErrCancelled, ExitCancelled},
		{context.Canceled, ExitCancelled},
		{ErrExhausted, ExitFailure},
		{errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}

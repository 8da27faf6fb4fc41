package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/screa/ip-hunter/internal/provision"
	"github.com/screa/ip-hunter/pkg/backoff"
	"github.com/screa/ip-hunter/pkg/ranges"
	"github.com/screa/ip-hunter/pkg/stop"
	"github.com/screa/ip-hunter/pkg/types"
)

// step is one scripted Acquire result
type step struct {
	addrs []string
	err   error
	// onAcquire runs inside Acquire before it returns
	onAcquire func()
}

type fakeClient struct {
	mu         sync.Mutex
	steps      []step
	acquired   int
	released   []string
	releaseErr error
	releaseCtx []error
}

func (c *fakeClient) Acquire(ctx context.Context) (*types.Resource, error) {
	c.mu.Lock()
	if len(c.steps) == 0 {
		c.mu.Unlock()
		<-ctx.Done()
		return nil, provision.Classify("acquire", ctx.Err())
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	c.acquired++
	id := fmt.Sprintf("res-%d", c.acquired)
	c.mu.Unlock()

	if s.onAcquire != nil {
		s.onAcquire()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &types.Resource{ID: id, Addresses: s.addrs}, nil
}

func (c *fakeClient) Release(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, id)
	c.releaseCtx = append(c.releaseCtx, ctx.Err())
	return c.releaseErr
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []types.AttemptRecord
	orphans []string
}

func (r *fakeRecorder) Record(_ context.Context, rec types.AttemptRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *fakeRecorder) Orphaned(_ context.Context, rec types.AttemptRecord, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans = append(r.orphans, rec.ResourceID)
}

func (r *fakeRecorder) outcomes() []types.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Outcome, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Outcome
	}
	return out
}

// recordingSleeper returns immediately and remembers requested delays
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestConfig(t *testing.T, client provision.Client) (*Config, *fakeRecorder, *recordingSleeper) {
	t.Helper()
	m, err := ranges.Parse([]string{"10.0.0.1-10.0.0.10"})
	require.NoError(t, err)
	rec := &fakeRecorder{}
	sl := &recordingSleeper{}
	return &Config{
		Stop:      stop.New(),
		Matcher:   m,
		Client:    client,
		Recorder:  rec,
		Quota:     backoff.DefaultQuota(),
		Transient: backoff.DefaultTransient(),
		Sleeper:   sl,
	}, rec, sl
}

func TestScenarioMatchStopsWithoutRelease(t *testing.T) {
	client := &fakeClient{steps: []step{{addrs: []string{"10.0.0.5"}}}}
	cfg, rec, _ := newTestConfig(t, client)

	err := NewWorker(1, cfg).Run(context.Background())

	require.NoError(t, err)
	assert.True(t, cfg.Stop.Stopped())
	cause := cfg.Stop.Cause()
	assert.Equal(t, stop.Matched, cause.Reason)
	require.NotNil(t, cause.Result)
	assert.Equal(t, "10.0.0.5", cause.Result.MatchedAddress)
	assert.Equal(t, "10.0.0.1-10.0.0.10", cause.Result.MatchedRange)
	assert.Equal(t, "res-1", cause.Result.ResourceID)
	assert.Equal(t, 1, cause.Result.WorkerID)
	assert.Empty(t, client.released)
	assert.Equal(t, []types.Outcome{types.Matched}, rec.outcomes())
}

func TestScenarioUnmatchedReleasesAndContinues(t *testing.T) {
	client := &fakeClient{steps: []step{
		{addrs: []string{"10.0.0.20"}},
		{addrs: []string{"10.0.0.30"}},
		{addrs: []string{"10.0.0.7"}},
	}}
	cfg, rec, _ := newTestConfig(t, client)

	w := NewWorker(2, cfg)
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []string{"res-1", "res-2"}, client.released)
	assert.Equal(t, []types.Outcome{types.Unmatched, types.Unmatched, types.Matched}, rec.outcomes())
	assert.Equal(t, int64(3), w.Attempts())
	assert.Equal(t, int64(3), cfg.Stop.Cause().Result.Attempt)
}

func TestScenarioAuthErrorStopsHunt(t *testing.T) {
	authErr := provision.StatusError("acquire", 401, "token expired")
	client := &fakeClient{steps: []step{{err: authErr}}}
	cfg, rec, _ := newTestConfig(t, client)

	err := NewWorker(1, cfg).Run(context.Background())

	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, stop.Auth, cfg.Stop.Cause().Reason)
	assert.Equal(t, []types.Outcome{types.AuthError}, rec.outcomes())
	assert.Equal(t, 1, client.acquired)
}

func TestScenarioCancellationMidCheckReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{steps: []step{{addrs: []string{"10.0.0.99"}, onAcquire: cancel}}}
	cfg, rec, _ := newTestConfig(t, client)

	require.NoError(t, NewWorker(1, cfg).Run(ctx))

	require.Equal(t, []string{"res-1"}, client.released)
	// the release ran on a context that was not cancelled
	assert.NoError(t, client.releaseCtx[0])
	assert.Equal(t, []types.Outcome{types.Unmatched}, rec.outcomes())
	assert.Equal(t, 1, client.acquired)
}

func TestQuotaAndTransientBackoff(t *testing.T) {
	client := &fakeClient{steps: []step{
		{err: provision.StatusError("acquire", 429, "")},
		{err: provision.StatusError("acquire", 429, "")},
		{err: provision.StatusError("acquire", 503, "")},
		{addrs: []string{"10.0.0.1"}},
	}}
	cfg, rec, sl := newTestConfig(t, client)

	require.NoError(t, NewWorker(1, cfg).Run(context.Background()))

	assert.Equal(t, []types.Outcome{types.QuotaError, types.QuotaError, types.TransientError, types.Matched}, rec.outcomes())
	// consecutive retries keep growing across kinds; the third uses the transient policy
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 4 * time.Second}, sl.delays)
}

func TestRetriesExhaustedEndsOnlyThisWorker(t *testing.T) {
	client := &fakeClient{steps: []step{
		{err: provision.StatusError("acquire", 503, "")},
		{err: provision.StatusError("acquire", 503, "")},
		{err: provision.StatusError("acquire", 503, "")},
	}}
	cfg, rec, _ := newTestConfig(t, client)
	cfg.Transient.MaxRetries = 2

	err := NewWorker(1, cfg).Run(context.Background())

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.False(t, cfg.Stop.Stopped())
	assert.Len(t, rec.outcomes(), 3)
}

func TestLosingMatchIsReleasedByDefault(t *testing.T) {
	client := &fakeClient{steps: []step{{addrs: []string{"10.0.0.2"}}}}
	cfg, rec, _ := newTestConfig(t, client)
	cfg.Stop.Trigger(stop.Cause{Reason: stop.Matched, Result: &types.HuntResult{ResourceID: "other"}})

	// the signal is already set, so drive a single check directly
	w := NewWorker(1, cfg)
	won := w.check(context.Background(), 1, time.Now(), &types.Resource{ID: "res-x", Addresses: []string{"10.0.0.2"}})

	assert.False(t, won)
	assert.Equal(t, []string{"res-x"}, client.released)
	assert.Equal(t, []types.Outcome{types.Matched}, rec.outcomes())
	assert.Equal(t, "other", cfg.Stop.Cause().Result.ResourceID)
}

func TestLosingMatchCanBeKept(t *testing.T) {
	client := &fakeClient{}
	cfg, _, _ := newTestConfig(t, client)
	cfg.KeepLosingMatches = true
	cfg.Stop.Trigger(stop.Cause{Reason: stop.Cancelled})

	won := NewWorker(1, cfg).check(context.Background(), 1, time.Now(), &types.Resource{ID: "res-x", Addresses: []string{"10.0.0.2"}})

	assert.False(t, won)
	assert.Empty(t, client.released)
}

func TestUnparseableAddressIsSkipped(t *testing.T) {
	client := &fakeClient{steps: []step{{addrs: []string{"garbage", "2001:db8::1", "10.0.0.3"}}}}
	cfg, _, _ := newTestConfig(t, client)

	require.NoError(t, NewWorker(1, cfg).Run(context.Background()))

	assert.Equal(t, "10.0.0.3", cfg.Stop.Cause().Result.MatchedAddress)
}

func TestFailedReleaseIsOrphanedButNotFatal(t *testing.T) {
	client := &fakeClient{
		steps:      []step{{addrs: []string{"10.0.0.50"}}, {addrs: []string{"10.0.0.4"}}},
		releaseErr: errors.New("conflict"),
	}
	cfg, rec, _ := newTestConfig(t, client)

	require.NoError(t, NewWorker(1, cfg).Run(context.Background()))

	assert.Equal(t, []string{"res-1"}, rec.orphans)
	assert.Equal(t, []types.Outcome{types.Unmatched, types.Matched}, rec.outcomes())
}

func TestFailedCleanupDuringAcquireIsOrphaned(t *testing.T) {
	leaked := &provision.Error{Kind: provision.KindTransient, Op: "create server", Orphan: "vm-9", OrphanErr: errors.New("HTTP 500")}
	client := &fakeClient{steps: []step{{err: leaked}, {addrs: []string{"10.0.0.4"}}}}
	cfg, rec, _ := newTestConfig(t, client)

	require.NoError(t, NewWorker(1, cfg).Run(context.Background()))
	assert.Equal(t, []string{"vm-9"}, rec.orphans)
	assert.Equal(t, []types.Outcome{types.TransientError, types.Matched}, rec.outcomes())

	// also reported when the hunt is being cancelled
	ctx, cancel := context.WithCancel(context.Background())
	client = &fakeClient{steps: []step{{err: leaked, onAcquire: cancel}}}
	cfg, rec, _ = newTestConfig(t, client)

	require.NoError(t, NewWorker(1, cfg).Run(ctx))
	assert.Equal(t, []string{"vm-9"}, rec.orphans)
	assert.Empty(t, rec.outcomes())
}

func TestMatchAcquiredDuringCancellationStillWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{steps: []step{{addrs: []string{"10.0.0.5"}, onAcquire: cancel}}}
	cfg, rec, _ := newTestConfig(t, client)

	require.NoError(t, NewWorker(1, cfg).Run(ctx))
	assert.Equal(t, stop.Matched, cfg.Stop.Cause().Reason)
	assert.Empty(t, client.released)
	assert.Equal(t, []types.Outcome{types.Matched}, rec.outcomes())
}

func TestStoppedSignalPreventsNewAttempts(t *testing.T) {
	client := &fakeClient{steps: []step{{addrs: []string{"10.0.0.5"}}}}
	cfg, _, _ := newTestConfig(t, client)
	cfg.Stop.Trigger(stop.Cause{Reason: stop.Cancelled})

	require.NoError(t, NewWorker(1, cfg).Run(context.Background()))
	assert.Zero(t, client.acquired)
}

func TestBackoffGauge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{steps: []step{{err: provision.StatusError("acquire", 429, "")}}}
	cfg, _, _ := newTestConfig(t, client)
	entered := make(chan struct{})
	cfg.Sleeper = backoff.SleeperFunc(func(ctx context.Context, d time.Duration) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	w := NewWorker(1, cfg)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-entered
	_, backingOff := w.BackingOffSince()
	assert.True(t, backingOff)

	cancel()
	require.NoError(t, <-done)
	_, backingOff = w.BackingOffSince()
	assert.False(t, backingOff)
}

func TestPacingAndLimiter(t *testing.T) {
	client := &fakeClient{steps: []step{{addrs: []string{"10.0.0.20"}}, {addrs: []string{"10.0.0.1"}}}}
	cfg, _, sl := newTestConfig(t, client)
	cfg.Pacer = backoff.Pacer{Min: time.Second, Max: time.Second, Distribution: backoff.NoJitter}
	cfg.Limiter = rate.NewLimiter(rate.Inf, 1)

	require.NoError(t, NewWorker(1, cfg).Run(context.Background()))
	assert.Equal(t, []time.Duration{time.Second}, sl.delays)
}

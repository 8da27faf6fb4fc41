package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/screa/ip-hunter/internal/logger"
	"github.com/screa/ip-hunter/internal/provision"
	"github.com/screa/ip-hunter/pkg/backoff"
	"github.com/screa/ip-hunter/pkg/ranges"
	"github.com/screa/ip-hunter/pkg/stop"
	"github.com/screa/ip-hunter/pkg/types"
)

// ErrRetriesExhausted ends a single worker after too many consecutive retryable errors
var ErrRetriesExhausted = errors.New("retries exhausted")

// Recorder receives every finished attempt
type Recorder interface {
	Record(ctx context.Context, rec types.AttemptRecord)
	// Orphaned reports a resource whose release failed
	Orphaned(ctx context.Context, rec types.AttemptRecord, err error)
}

// Config is shared by every worker of a hunt
type Config struct {
	Stop     *stop.Signal
	Matcher  *ranges.Matcher
	Client   provision.Client
	Recorder Recorder
	// Limiter paces acquisitions across all workers; nil means unlimited
	Limiter   *rate.Limiter
	Quota     backoff.Policy
	Transient backoff.Policy
	Pacer     backoff.Pacer
	Sleeper   backoff.Sleeper
	// ReleaseTimeout bounds a release that runs after cancellation
	ReleaseTimeout    time.Duration
	KeepLosingMatches bool
	Logger            *logger.Logger
	Now               func() time.Time
}

// Worker runs the acquire -> check -> release loop
type Worker struct {
	id       int
	cfg      *Config
	log      *logger.Logger
	attempts atomic.Int64
	// backoffSince is the unix-nano start of the current backoff episode, 0 when not backing off
	backoffSince atomic.Int64
}

// NewWorker creates a worker; missing Config fields get usable defaults
func NewWorker(id int, cfg *Config) *Worker {
	if cfg.Sleeper == nil {
		cfg.Sleeper = backoff.TimerSleeper{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = provision.DefaultTimeout
	}
	return &Worker{
		id:  id,
		cfg: cfg,
		log: cfg.Logger.With("worker", id),
	}
}

// ID returns the worker id
func (w *Worker) ID() int {
	return w.id
}

// Attempts returns the number of attempts started so far
func (w *Worker) Attempts() int64 {
	return w.attempts.Load()
}

// BackingOffSince reports when the current backoff episode started
func (w *Worker) BackingOffSince() (time.Time, bool) {
	ns := w.backoffSince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (w *Worker) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || w.cfg.Stop.Stopped()
}

// Run loops until the hunt stops. It returns nil on a clean exit (match,
// stop signal or cancellation), the classified error on an auth failure, and
// ErrRetriesExhausted when the retry bound is passed.
func (w *Worker) Run(ctx context.Context) error {
	defer w.backoffSince.Store(0)

	retries := 0
	for {
		if w.stopped(ctx) {
			return nil
		}
		if w.cfg.Limiter != nil {
			if err := w.cfg.Limiter.Wait(ctx); err != nil {
				return nil
			}
			if w.stopped(ctx) {
				return nil
			}
		}

		n := w.attempts.Add(1)
		started := w.cfg.Now()
		res, err := w.cfg.Client.Acquire(ctx)
		if err != nil {
			if id := provision.OrphanOf(err); id != "" {
				w.log.Warn("failed acquisition left a resource behind", "resource", id, "error", err)
				w.cfg.Recorder.Orphaned(ctx, types.AttemptRecord{
					WorkerID:      w.id,
					AttemptNumber: n,
					ResourceID:    id,
					Timestamp:     started,
					Err:           err.Error(),
				}, err)
			}
			if ctx.Err() != nil {
				return nil
			}
			done, err := w.handleError(ctx, n, started, err, &retries)
			if done {
				return err
			}
			continue
		}

		retries = 0
		w.backoffSince.Store(0)

		if won := w.check(ctx, n, started, res); won {
			return nil
		}

		if d := w.cfg.Pacer.Next(); d > 0 {
			if err := w.cfg.Sleeper.Sleep(ctx, d); err != nil {
				return nil
			}
		}
	}
}

// handleError records a failed acquisition and applies the retry policy.
// The bool reports whether the worker must exit with the returned error.
func (w *Worker) handleError(ctx context.Context, n int64, started time.Time, err error, retries *int) (bool, error) {
	kind := provision.KindOf(err)
	w.cfg.Recorder.Record(ctx, types.AttemptRecord{
		WorkerID:      w.id,
		AttemptNumber: n,
		Outcome:       kind.Outcome(),
		Timestamp:     started,
		Err:           err.Error(),
	})

	if kind == provision.KindAuth {
		w.log.Error("authorization failed, stopping hunt", "attempt", n, "error", err)
		w.cfg.Stop.Trigger(stop.Cause{Reason: stop.Auth, Err: err})
		return true, err
	}

	policy := w.cfg.Transient
	if kind == provision.KindQuota {
		policy = w.cfg.Quota
	}
	*retries++
	if policy.Exhausted(*retries) {
		w.log.Error("giving up after consecutive errors", "retries", *retries-1, "error", err)
		return true, fmt.Errorf("worker %d: %w: %w", w.id, ErrRetriesExhausted, err)
	}

	delay := policy.Delay(*retries)
	if *retries == 1 {
		w.backoffSince.Store(w.cfg.Now().UnixNano())
	}
	w.log.Warn("acquire failed, backing off", "attempt", n, "kind", kind, "retry", *retries, "delay", delay, "error", err)
	if err := w.cfg.Sleeper.Sleep(ctx, delay); err != nil {
		return true, nil
	}
	return false, nil
}

// check matches the resource's addresses and either claims the hunt or
// releases the resource. It reports whether this worker won.
func (w *Worker) check(ctx context.Context, n int64, started time.Time, res *types.Resource) bool {
	rec := types.AttemptRecord{
		WorkerID:      w.id,
		AttemptNumber: n,
		ResourceID:    res.ID,
		Addresses:     res.Addresses,
		Outcome:       types.Unmatched,
		Timestamp:     started,
	}

	var result *types.HuntResult
	for _, addr := range res.Addresses {
		rng, ok, err := w.cfg.Matcher.Match(addr)
		if err != nil {
			w.log.Warn("skipping unparseable address", "resource", res.ID, "address", addr, "error", err)
			continue
		}
		if ok {
			result = &types.HuntResult{
				ResourceID:     res.ID,
				Addresses:      res.Addresses,
				MatchedAddress: addr,
				MatchedRange:   rng.String(),
				WorkerID:       w.id,
				Attempt:        n,
				FoundAt:        w.cfg.Now(),
			}
			break
		}
	}

	if result != nil {
		rec.Outcome = types.Matched
		if w.cfg.Stop.Trigger(stop.Cause{Reason: stop.Matched, Result: result}) {
			w.log.Info("match found", "attempt", n, "resource", res.ID, "address", result.MatchedAddress, "range", result.MatchedRange)
			w.cfg.Recorder.Record(ctx, rec)
			return true
		}
		if w.cfg.KeepLosingMatches {
			w.log.Warn("hunt already stopped, keeping matching resource", "resource", res.ID, "address", result.MatchedAddress)
			w.cfg.Recorder.Record(ctx, rec)
			return false
		}
		w.log.Info("hunt already stopped, releasing matching resource", "resource", res.ID, "address", result.MatchedAddress)
	}

	if err := w.release(ctx, res.ID); err != nil {
		w.log.Warn("release failed, resource orphaned", "resource", res.ID, "error", err)
		w.cfg.Recorder.Orphaned(ctx, rec, err)
	} else if result == nil {
		w.log.Info("no match, released", "attempt", n, "resource", res.ID, "addresses", res.Addresses)
	}
	w.cfg.Recorder.Record(ctx, rec)
	return false
}

// release runs detached from cancellation so a held resource is freed even
// while the hunt shuts down
func (w *Worker) release(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ReleaseTimeout)
	defer cancel()
	return w.cfg.Client.Release(rctx, id)
}

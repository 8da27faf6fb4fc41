// Package hunter coordinates the worker pool: it owns the stop signal and the
// statistics store, decides the single terminal outcome and shuts the workers
// down within a grace period.
package hunter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/screa/ip-hunter/internal/logger"
	"github.com/screa/ip-hunter/internal/notify"
	"github.com/screa/ip-hunter/internal/provision"
	"github.com/screa/ip-hunter/pkg/backoff"
	"github.com/screa/ip-hunter/pkg/ranges"
	"github.com/screa/ip-hunter/pkg/stats"
	"github.com/screa/ip-hunter/pkg/stop"
	"github.com/screa/ip-hunter/pkg/types"
	"github.com/screa/ip-hunter/pkg/worker"
)

const (
	defaultShutdownGrace = 45 * time.Second
	notifyTimeout        = 10 * time.Second
	eventQueueSize       = 64
)

// AttemptLog is an append-only sink for attempt records, such as the SQLite ledger
type AttemptLog interface {
	Append(ctx context.Context, rec types.AttemptRecord) error
}

// Options configures a hunt
type Options struct {
	Workers int
	Matcher *ranges.Matcher
	Client  provision.Client

	// Optional collaborators
	Notifier notify.Notifier
	Listener notify.Listener
	Ledger   AttemptLog
	// Store resumes counting from earlier runs; nil starts empty
	Store *stats.Store

	StatsFile    string
	PersistEvery time.Duration
	LogInterval  time.Duration
	NotifyEvery  int
	StallAfter   time.Duration

	RequestRate       float64
	Quota             backoff.Policy
	Transient         backoff.Policy
	Pacer             backoff.Pacer
	Sleeper           backoff.Sleeper
	CallTimeout       time.Duration
	ShutdownGrace     time.Duration
	KeepLosingMatches bool

	RunID  string
	Logger *logger.Logger
	Now    func() time.Time
}

// Hunter runs one hunt. It is not reusable.
type Hunter struct {
	opts    Options
	log     *logger.Logger
	signal  *stop.Signal
	store   *stats.Store
	workers []*worker.Worker
	exited  []atomic.Bool
	stalled atomic.Bool
	// events queues notifications raised on worker goroutines
	events    chan notify.Event
	reclaimed int
}

// New creates a hunter; Run validates the options
func New(opts Options) *Hunter {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger)
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = provision.DefaultTimeout
	}
	store := opts.Store
	if store == nil {
		store = stats.NewStore(opts.Now())
	}
	return &Hunter{
		opts:   opts,
		log:    opts.Logger,
		signal: stop.New(),
		store:  store,
		events: make(chan notify.Event, eventQueueSize),
	}
}

func (h *Hunter) validate() error {
	switch {
	case h.opts.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfiguration, h.opts.Workers)
	case h.opts.Matcher == nil || len(h.opts.Matcher.Ranges()) == 0:
		return fmt.Errorf("%w: at least one address range is required", ErrInvalidConfiguration)
	case h.opts.Client == nil:
		return fmt.Errorf("%w: no provisioning client", ErrInvalidConfiguration)
	case h.opts.NotifyEvery < 0:
		return fmt.Errorf("%w: notify_every must not be negative", ErrInvalidConfiguration)
	}
	if err := h.opts.Quota.Validate(); err != nil {
		return fmt.Errorf("%w: quota backoff: %w", ErrInvalidConfiguration, err)
	}
	if err := h.opts.Transient.Validate(); err != nil {
		return fmt.Errorf("%w: transient backoff: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

// Stop requests cancellation; Run returns ErrCancelled unless another cause won first
func (h *Hunter) Stop() {
	h.signal.Trigger(stop.Cause{Reason: stop.Cancelled})
}

// Stats returns a snapshot of the current statistics
func (h *Hunter) Stats() stats.Snapshot {
	return h.store.Snapshot()
}

// Run starts the workers and blocks until the hunt has a terminal outcome:
// a match (result, nil), ErrFatalAuth, ErrCancelled or ErrExhausted.
func (h *Hunter) Run(ctx context.Context) (*types.HuntResult, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	start := h.opts.Now()
	h.log.Info("hunt started", "run", h.opts.RunID, "workers", h.opts.Workers, "ranges", len(h.opts.Matcher.Ranges()))
	h.emit(ctx, notify.Event{
		Type:    notify.Started,
		Title:   "Hunt started",
		Summary: fmt.Sprintf("%d workers searching %d range(s)", h.opts.Workers, len(h.opts.Matcher.Ranges())),
		Fields:  map[string]any{"workers": h.opts.Workers, "run": h.opts.RunID},
	})

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	auxCtx, stopAux := context.WithCancel(ctx)
	var aux sync.WaitGroup
	defer func() {
		stopAux()
		aux.Wait()
	}()

	if h.opts.Listener != nil {
		aux.Add(1)
		go func() {
			defer aux.Done()
			if err := h.opts.Listener.Listen(auxCtx, h.handleCommand); err != nil {
				h.log.Warn("command listener stopped", "error", err)
			}
		}()
	}
	aux.Add(1)
	go func() {
		defer aux.Done()
		h.dispatch(auxCtx)
	}()
	allExited := h.startWorkers(workerCtx)

	aux.Add(1)
	go func() {
		defer aux.Done()
		h.monitor(auxCtx, start)
	}()

	select {
	case <-h.signal.Done():
	case <-ctx.Done():
		h.signal.Trigger(stop.Cause{Reason: stop.Cancelled})
	case <-allExited:
		// workers also return when ctx is cancelled, so both cases can be ready at once
		if ctx.Err() != nil {
			h.signal.Trigger(stop.Cause{Reason: stop.Cancelled})
		} else {
			h.signal.Trigger(stop.Cause{Reason: stop.Exhausted})
		}
	}
	cancelWorkers()

	grace := time.NewTimer(h.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-allExited:
	case <-grace.C:
		h.log.Warn("workers did not exit within the grace period, abandoning them", "grace", h.opts.ShutdownGrace)
	}
	stopAux()
	aux.Wait()

	h.reclaimed = h.reclaimOrphans(ctx)
	h.store.Stop(h.opts.Now())
	h.persist()

	return h.finish(ctx)
}

// startWorkers launches the pool; the returned channel closes once every worker has returned
func (h *Hunter) startWorkers(ctx context.Context) <-chan struct{} {
	var limiter *rate.Limiter
	if h.opts.RequestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.RequestRate), 1)
	}
	cfg := &worker.Config{
		Stop:              h.signal,
		Matcher:           h.opts.Matcher,
		Client:            h.opts.Client,
		Recorder:          h,
		Limiter:           limiter,
		Quota:             h.opts.Quota,
		Transient:         h.opts.Transient,
		Pacer:             h.opts.Pacer,
		Sleeper:           h.opts.Sleeper,
		ReleaseTimeout:    h.opts.CallTimeout,
		KeepLosingMatches: h.opts.KeepLosingMatches,
		Logger:            h.log,
		Now:               h.opts.Now,
	}

	h.workers = make([]*worker.Worker, h.opts.Workers)
	h.exited = make([]atomic.Bool, h.opts.Workers)
	for i := range h.workers {
		h.workers[i] = worker.NewWorker(i+1, cfg)
	}

	var g errgroup.Group
	for i, w := range h.workers {
		g.Go(func() error {
			defer h.exited[i].Store(true)
			err := w.Run(ctx)
			if err != nil && provision.KindOf(err) != provision.KindAuth {
				h.log.Warn("worker exited", "worker", w.ID(), "error", err)
			}
			return err
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	return done
}

// finish turns the winning stop cause into the return value and the final notification
func (h *Hunter) finish(ctx context.Context) (*types.HuntResult, error) {
	cause := h.signal.Cause()
	snap := h.store.Snapshot()
	total := snap.TotalAttempts
	cleanup := func(fields map[string]any) map[string]any {
		if h.reclaimed > 0 {
			fields["released_orphans"] = h.reclaimed
		}
		if len(snap.Orphans) > 0 {
			fields["orphans"] = len(snap.Orphans)
		}
		return fields
	}

	switch cause.Reason {
	case stop.Matched:
		r := cause.Result
		h.log.Info("hunt finished: match found", "address", r.MatchedAddress, "range", r.MatchedRange,
			"resource", r.ResourceID, "worker", r.WorkerID, "attempts", total)
		h.emit(ctx, notify.Event{
			Type:  notify.MatchFound,
			Title: "Match found",
			Summary: fmt.Sprintf("Worker %d got %s (range %s) after %d attempts.",
				r.WorkerID, r.MatchedAddress, r.MatchedRange, total),
			Fields: cleanup(map[string]any{
				"address":  r.MatchedAddress,
				"range":    r.MatchedRange,
				"resource": r.ResourceID,
				"worker":   r.WorkerID,
				"attempts": total,
			}),
		})
		return r, nil

	case stop.Auth:
		h.log.Error("hunt finished: authorization failed", "error", cause.Err, "attempts", total)
		h.emit(ctx, notify.Event{
			Type:    notify.FatalAuthError,
			Title:   "Authorization failed",
			Summary: notify.FormatStats(snap, h.opts.Now()),
			Fields:  cleanup(map[string]any{"error": cause.Err, "attempts": total}),
		})
		return nil, fmt.Errorf("%w: %w", ErrFatalAuth, cause.Err)

	case stop.Exhausted:
		h.log.Error("hunt finished: every worker gave up", "attempts", total)
		h.emitStopped(ctx, snap, cleanup(map[string]any{"reason": cause.Reason.String(), "attempts": total}))
		return nil, ErrExhausted

	default:
		h.log.Info("hunt finished: cancelled", "attempts", total)
		h.emitStopped(ctx, snap, cleanup(map[string]any{"reason": cause.Reason.String(), "attempts": total}))
		return nil, ErrCancelled
	}
}

func (h *Hunter) emitStopped(ctx context.Context, snap stats.Snapshot, fields map[string]any) {
	h.emit(ctx, notify.Event{
		Type:    notify.Stopped,
		Title:   "Hunt stopped",
		Summary: notify.FormatStats(snap, h.opts.Now()),
		Fields:  fields,
	})
}

// reclaimOrphans retries every failed release once and returns how many succeeded
func (h *Hunter) reclaimOrphans(ctx context.Context) int {
	orphans := h.store.Snapshot().Orphans
	if len(orphans) == 0 {
		return 0
	}

	freed := 0
	for _, id := range orphans {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.CallTimeout)
		err := h.opts.Client.Release(rctx, id)
		cancel()
		if err != nil {
			h.log.Warn("orphaned resource still not released", "resource", id, "error", err)
			continue
		}
		h.store.ClearOrphan(id)
		freed++
	}
	h.log.Info("orphan cleanup finished", "released", freed, "remaining", len(orphans)-freed)
	return freed
}

// enqueue hands an event to the dispatcher without blocking the caller
func (h *Hunter) enqueue(e notify.Event) {
	if e.Time.IsZero() {
		e.Time = h.opts.Now()
	}
	select {
	case h.events <- e:
	default:
		h.log.Warn("notification queue full, dropping event", "event", string(e.Type))
	}
}

// dispatch delivers queued events until ctx is done, then flushes what is left
func (h *Hunter) dispatch(ctx context.Context) {
	for {
		select {
		case e := <-h.events:
			h.emit(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-h.events:
					h.emit(ctx, e)
				default:
					return
				}
			}
		}
	}
}

// emit delivers an event best-effort, even after ctx is cancelled
func (h *Hunter) emit(ctx context.Context, e notify.Event) {
	if e.Time.IsZero() {
		e.Time = h.opts.Now()
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := h.opts.Notifier.Notify(nctx, e); err != nil {
		h.log.Warn("notification failed", "event", string(e.Type), "error", err)
	}
}

func (h *Hunter) persist() {
	if h.opts.StatsFile == "" {
		return
	}
	if err := h.store.Persist(h.opts.StatsFile); err != nil {
		var pe *stats.PersistenceError
		if errors.As(err, &pe) {
			h.log.Error("failed to persist statistics", "path", pe.Path, "error", pe.Err)
			return
		}
		h.log.Error("failed to persist statistics", "error", err)
	}
}

// Record implements worker.Recorder
func (h *Hunter) Record(ctx context.Context, rec types.AttemptRecord) {
	total := h.store.Record(rec)

	if h.opts.Ledger != nil {
		if err := h.opts.Ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
			h.log.Warn("ledger append failed", "error", err)
		}
	}

	if n := h.opts.NotifyEvery; n > 0 && total%uint64(n) == 0 && !h.signal.Stopped() {
		snap := h.store.Snapshot()
		h.enqueue(notify.Event{
			Type:    notify.Progress,
			Title:   "Progress",
			Summary: fmt.Sprintf("%d attempts, %d unique addresses. Send /stats for details.", total, snap.UniqueAddresses()),
			Fields:  map[string]any{"attempts": total, "unique": snap.UniqueAddresses()},
		})
	}
}

// Orphaned implements worker.Recorder
func (h *Hunter) Orphaned(_ context.Context, rec types.AttemptRecord, err error) {
	h.store.MarkOrphan(rec.ResourceID)
	h.enqueue(notify.Event{
		Type:    notify.Orphaned,
		Title:   "Resource not released",
		Summary: fmt.Sprintf("Resource %s could not be released and needs manual cleanup.", rec.ResourceID),
		Fields:  map[string]any{"resource": rec.ResourceID, "worker": rec.WorkerID, "error": err},
	})
}

func (h *Hunter) handleCommand(_ context.Context, cmd notify.Command) string {
	switch cmd {
	case notify.CommandStats:
		return notify.FormatStats(h.store.Snapshot(), h.opts.Now())
	default:
		return notify.HelpText()
	}
}

package hunter

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/screa/ip-hunter/internal/notify"
)

// monitor logs progress, persists statistics and watches for stalls until ctx is done
func (h *Hunter) monitor(ctx context.Context, start time.Time) {
	logC := tick(h.opts.LogInterval)
	persistC := tick(h.opts.PersistEvery)
	var stallC <-chan time.Time
	if h.opts.StallAfter > 0 {
		stallC = tick(max(h.opts.StallAfter/4, 10*time.Millisecond))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-logC:
			h.logProgress(start)
		case <-persistC:
			h.persist()
		case <-stallC:
			h.checkStall(ctx)
		}
	}
}

// tick returns a ticker channel, or nil (never fires) for d <= 0.
// The ticker is left to the garbage collector once the monitor returns.
func tick(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.NewTicker(d).C
}

// logProgress logs hunt progress at regular intervals
func (h *Hunter) logProgress(start time.Time) {
	snap := h.store.Snapshot()
	elapsed := h.opts.Now().Sub(start)

	rate := 0.0
	if elapsed.Seconds() > 0 {
		rate = float64(snap.TotalAttempts) / elapsed.Seconds()
	}

	backingOff := 0
	for i, w := range h.workers {
		if _, ok := w.BackingOffSince(); ok && !h.exited[i].Load() {
			backingOff++
		}
	}

	h.log.Info("progress",
		"attempts", humanize.Comma(int64(snap.TotalAttempts)),
		"per_min", fmt.Sprintf("%.1f", rate*60),
		"unique", snap.UniqueAddresses(),
		"duplicates", snap.DuplicateCount,
		"backing_off", backingOff,
		"elapsed", elapsed.Truncate(time.Second))
}

// checkStall emits one stalled event per episode in which every live worker
// has been backing off for longer than StallAfter. It never stops the hunt.
func (h *Hunter) checkStall(ctx context.Context) {
	now := h.opts.Now()
	live := 0
	var oldest time.Time
	for i, w := range h.workers {
		if h.exited[i].Load() {
			continue
		}
		live++
		since, ok := w.BackingOffSince()
		if !ok || now.Sub(since) < h.opts.StallAfter {
			h.stalled.Store(false)
			return
		}
		if oldest.IsZero() || since.Before(oldest) {
			oldest = since
		}
	}
	if live == 0 || h.stalled.Swap(true) {
		return
	}

	h.log.Warn("hunt stalled: every worker is backing off", "workers", live, "since", oldest)
	h.emit(ctx, notify.Event{
		Type:  notify.Stalled,
		Title: "Hunt stalled",
		Summary: fmt.Sprintf("All %d workers have been backing off since %s. The hunt keeps retrying.",
			live, humanize.Time(oldest)),
		Fields: map[string]any{"workers": live, "stall_after": h.opts.StallAfter},
	})
}

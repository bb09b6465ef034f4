package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/discomi/internal/session"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Selected int `json:"selected"`
	Flushed  int `json:"flushed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Expired  int `json:"expired"`
	Purged   int `json:"purged"`
}

// Reaper flushes sessions nobody closed explicitly and purges old closed ones.
type Reaper struct {
	store   session.Store
	flusher *Flusher
	cfg     Config
	hooks   Hooks
	now     func() time.Time
}

func NewReaper(store session.Store, flusher *Flusher, cfg Config, hooks Hooks, now func() time.Time) *Reaper {
	if now == nil {
		now = time.Now
	}
	return &Reaper{store: store, flusher: flusher, cfg: cfg.normalized(), hooks: hooks, now: now}
}

// Sweep flushes every open session idle for longer than the flush timeout.
// Per-session failures are counted and do not stop the sweep. Overlapping
// sweeps are safe: a session claimed by one is skipped by the others.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	res, err := r.sweep(ctx)
	r.hooks.sweepDone(res, err, time.Since(started))
	return res, err
}

func (r *Reaper) sweep(ctx context.Context) (SweepResult, error) {
	now := r.now().UTC()
	idle, err := r.store.ListIdle(ctx, now.Add(-r.cfg.FlushTimeout), r.cfg.SweepBatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list idle sessions: %w", err)
	}

	res := SweepResult{Selected: len(idle)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.SweepConcurrency)
	for _, s := range idle {
		g.Go(func() error {
			outcome := r.reap(ctx, s, now)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case reapFlushed:
				res.Flushed++
			case reapExpired:
				res.Expired++
			case reapSkipped:
				res.Skipped++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	purged, err := r.store.PurgeClosed(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return res, fmt.Errorf("purge closed sessions: %w", err)
	}
	res.Purged = purged
	return res, nil
}

type reapOutcome int

const (
	reapFailed reapOutcome = iota
	reapFlushed
	reapExpired
	reapSkipped
)

func (r *Reaper) reap(ctx context.Context, s session.Session, now time.Time) reapOutcome {
	// Undeliverable sessions are retried until the retention horizon.
	if now.Sub(s.LastFragmentAt) > r.cfg.Retention {
		closed, err := r.store.Abandon(ctx, s.ID, now, session.CloseExpired)
		switch {
		case err != nil:
			r.hooks.expireError(s, err)
			return reapFailed
		case !closed:
			return reapSkipped
		}
		r.hooks.sessionEvent(EventExpired, s)
		return reapExpired
	}

	res, err := r.flusher.Flush(ctx, s.ID, TriggerIdle)
	switch {
	case err == nil && res.Outcome == OutcomeDelivered:
		return reapFlushed
	case err == nil:
		return reapSkipped
	case errors.Is(err, session.ErrClaimed), errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrNotFound):
		return reapSkipped
	default:
		return reapFailed
	}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the loop.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}

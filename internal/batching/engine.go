package batching

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/antoniostano/discomi/internal/delivery"
	"github.com/antoniostano/discomi/internal/observability"
	"github.com/antoniostano/discomi/internal/policy"
	"github.com/antoniostano/discomi/internal/session"
	"github.com/antoniostano/discomi/internal/summarize"
	"github.com/antoniostano/discomi/internal/users"
)

// ErrDeliveryDeferred means a fragment could not be placed because the
// session it closes could not be delivered yet. The producer should retry.
var ErrDeliveryDeferred = errors.New("pending session not delivered yet")

// Options wires the engine's collaborators. Summarizer, Metrics, Logger and
// Now are optional.
type Options struct {
	Store      session.Store
	Directory  users.Directory
	Gateway    delivery.Gateway
	Summarizer summarize.Summarizer
	Metrics    *observability.Metrics
	Logger     *log.Logger
	Now        func() time.Time
}

// Engine composes the resolver, ingestor, detector, flusher and reaper and
// reports their activity to logs, metrics and Sentry.
type Engine struct {
	cfg       Config
	store     session.Store
	directory users.Directory
	resolver  *Resolver
	ingestor  *Ingestor
	flusher   *Flusher
	reaper    *Reaper
	metrics   *observability.Metrics
	logger    *log.Logger
	now       func() time.Time
}

// SubmitResult describes where a fragment landed and any flushes it caused.
type SubmitResult struct {
	IngestResult
	Flushes []FlushResult `json:"flushes,omitempty"`
}

func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("batching: session store is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("batching: user directory is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("batching: delivery gateway is required")
	}
	cfg = cfg.normalized()
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		store:     opts.Store,
		directory: opts.Directory,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	opts.Metrics.SetStageBudgets(map[string]time.Duration{
		"enrich":      cfg.EnrichTimeout,
		"deliver":     cfg.DeliveryTimeout,
		"flush_total": cfg.leaseDuration(),
	})
	hooks := e.hooks()
	detector := NewDetector(cfg.StoreKeywords)
	e.resolver = NewResolver(opts.Store, cfg, hooks, opts.Now)
	e.ingestor = NewIngestor(opts.Store, e.resolver, detector, cfg, opts.Now)
	e.flusher = NewFlusher(opts.Store, opts.Directory, opts.Gateway, opts.Summarizer, cfg, hooks, opts.Now)
	e.reaper = NewReaper(opts.Store, e.flusher, cfg, hooks, opts.Now)
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Submit ingests one fragment for a registered user and runs any flush the
// ingest asks for. A keyword flush that fails leaves the session open for
// the reaper and is not an ingest error. When a rollover flush fails, or a
// size-cap flush fails in a way a retry cannot fix, the old session is
// closed as undelivered and the fragment opens the next one. A size-cap
// flush that may still succeed later returns ErrDeliveryDeferred.
func (e *Engine) Submit(ctx context.Context, userID string, frag session.Fragment) (SubmitResult, error) {
	ucfg, err := e.lookupUser(ctx, userID)
	if err != nil {
		e.countFragment("rejected")
		return SubmitResult{}, err
	}
	opts := IngestOptions{StartKeyword: ucfg.StartKeyword}
	if ucfg.StoreKeyword != "" {
		opts.StoreKeywords = []string{ucfg.StoreKeyword}
	}

	res, err := e.ingestor.Ingest(ctx, userID, frag, opts)
	if err != nil {
		e.countFragment("error")
		return SubmitResult{}, err
	}
	out := SubmitResult{IngestResult: res}

	if res.Flush && !res.Appended {
		fr, err := e.flusher.Flush(ctx, res.SessionID, res.Trigger)
		out.Flushes = append(out.Flushes, fr)
		if err != nil && !errors.Is(err, session.ErrClosed) && !errors.Is(err, session.ErrNotFound) {
			if !e.dropUndeliverable(ctx, res, err) {
				e.countFragment("deferred")
				return out, fmt.Errorf("%w: %v", ErrDeliveryDeferred, err)
			}
		}
		// The rollover was honoured, so the keyword fragment opens the next
		// session instead of triggering another one.
		opts.StartKeyword = DisableStartKeyword
		res, err = e.ingestor.Ingest(ctx, userID, frag, opts)
		if err != nil {
			e.countFragment("error")
			return out, err
		}
		out.IngestResult = res
		if !res.Appended {
			e.countFragment("deferred")
			return out, fmt.Errorf("%w: session %s still full", ErrDeliveryDeferred, res.SessionID)
		}
	}
	e.countFragment("appended")

	if res.Flush && res.Appended {
		fr, err := e.flusher.Flush(ctx, res.SessionID, res.Trigger)
		if err == nil || !errors.Is(err, session.ErrClaimed) {
			out.Flushes = append(out.Flushes, fr)
		}
	}
	return out, nil
}

// dropUndeliverable closes the session a failed pre-append flush was meant
// to deliver, when waiting for it would not help. It reports whether the
// session is gone.
func (e *Engine) dropUndeliverable(ctx context.Context, res IngestResult, flushErr error) bool {
	if res.Trigger != TriggerRollover && !permanentDeliveryError(flushErr) {
		return false
	}
	closed, err := e.store.Abandon(ctx, res.SessionID, e.now().UTC(), session.CloseUndelivered)
	switch {
	case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrNotFound):
		return true
	case err != nil:
		e.logger.Printf("batching: drop session %s: %v", res.SessionID, err)
		return false
	case !closed:
		// Another flush holds the lease.
		return false
	}
	if s, gerr := e.store.Get(ctx, res.SessionID); gerr == nil {
		e.hooks().sessionEvent(EventUndelivered, s)
	}
	e.logger.Printf("batching: session %s closed undelivered (%s): %s", res.SessionID, res.Trigger, policy.MaskURLs(flushErr.Error()))
	return true
}

func permanentDeliveryError(err error) bool {
	if errors.Is(err, ErrUnregistered) || errors.Is(err, ErrUserDisabled) {
		return true
	}
	var statusErr *delivery.StatusError
	return errors.As(err, &statusErr) && !statusErr.Retryable()
}

// Flush delivers a session on demand.
func (e *Engine) Flush(ctx context.Context, sessionID string) (FlushResult, error) {
	return e.flusher.Flush(ctx, sessionID, TriggerManual)
}

func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	return e.reaper.Sweep(ctx)
}

// Run drives the reaper until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		e.logger.Printf("batching: in-process reaper disabled")
		return
	}
	e.logger.Printf("batching: reaper started (interval=%v flush_timeout=%v)", interval, e.cfg.FlushTimeout)
	e.reaper.Run(ctx, interval)
	e.logger.Printf("batching: reaper stopped")
}

func (e *Engine) Session(ctx context.Context, sessionID string) (session.Session, error) {
	return e.store.Get(ctx, sessionID)
}

// OpenSessions counts open sessions. It doubles as a store health check.
func (e *Engine) OpenSessions(ctx context.Context) (int, error) {
	return e.store.CountOpen(ctx)
}

// ActiveSession returns the user's open session without creating one.
func (e *Engine) ActiveSession(ctx context.Context, userID string) (session.Session, error) {
	return e.store.ActiveForUser(ctx, userID)
}

func (e *Engine) lookupUser(ctx context.Context, userID string) (users.Config, error) {
	if userID == "" {
		return users.Config{}, ErrMissingUser
	}
	cfg, err := e.directory.Get(ctx, userID)
	switch {
	case errors.Is(err, users.ErrNotFound):
		return users.Config{}, fmt.Errorf("%w: %s", ErrUnregistered, userID)
	case err != nil:
		return users.Config{}, fmt.Errorf("load config for %s: %w", userID, err)
	case !cfg.Registered():
		return users.Config{}, fmt.Errorf("%w: %s", ErrUnregistered, userID)
	case cfg.Disabled:
		return users.Config{}, fmt.Errorf("%w: %s", ErrUserDisabled, userID)
	}
	return cfg, nil
}

func (e *Engine) countFragment(result string) {
	if e.metrics != nil {
		e.metrics.Fragments.WithLabelValues(result).Inc()
	}
}

func (e *Engine) hooks() Hooks {
	return Hooks{
		SessionEvent: func(event string, s session.Session) {
			if e.metrics != nil {
				e.metrics.SessionEvents.WithLabelValues(event).Inc()
			}
			switch event {
			case EventAbandonedIdle, EventExpired, EventUndelivered:
				e.logger.Printf("batching: session %s %s (fragments=%d last=%s)", s.ID, event, s.FragmentCount(), s.LastFragmentAt.Format(time.RFC3339))
			case EventCarriedOver:
				e.logger.Printf("batching: late fragments for %s carried into %s", s.UserID, s.ID)
			}
		},
		Enrichment: func(result string, err error) {
			if e.metrics != nil {
				e.metrics.Enrichment.WithLabelValues(result).Inc()
			}
			if err != nil && (result == "error" || result == "timeout") {
				e.logger.Printf("batching: summarize failed, delivering raw transcript: %v", err)
			}
		},
		Stage: func(stage string, d time.Duration) {
			if e.metrics == nil {
				return
			}
			if stage == "deliver" {
				e.metrics.ObserveDeliveryLatency(d)
				return
			}
			e.metrics.ObserveFlushStage(stage, d)
		},
		FlushDone: e.flushDone,
		SweepDone: func(res SweepResult, err error, elapsed time.Duration) {
			if e.metrics != nil {
				e.metrics.Sweeps.Inc()
				e.metrics.SweepDuration.Observe(elapsed.Seconds())
				if open, cerr := e.store.CountOpen(context.Background()); cerr == nil {
					e.metrics.OpenSessions.Set(float64(open))
				}
			}
			if err != nil {
				e.logger.Printf("batching: sweep failed: %v", err)
				observability.CaptureError(err, map[string]string{"component": "reaper"})
				return
			}
			if res.Selected > 0 || res.Purged > 0 {
				e.logger.Printf("batching: sweep selected=%d flushed=%d failed=%d skipped=%d expired=%d purged=%d (%v)",
					res.Selected, res.Flushed, res.Failed, res.Skipped, res.Expired, res.Purged, elapsed.Round(time.Millisecond))
			}
		},
		ExpireError: func(s session.Session, err error) {
			e.logger.Printf("batching: expire session %s: %v", s.ID, err)
		},
	}
}

func (e *Engine) flushDone(res FlushResult, err error, elapsed time.Duration) {
	result := string(res.Outcome)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrClaimed), errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrNotFound):
		result = "skipped"
	}
	if e.metrics != nil {
		e.metrics.Flushes.WithLabelValues(string(res.Trigger), result).Inc()
		if res.Summarized {
			e.metrics.ObserveIndicator("summarized")
		}
		if res.CarryOverID != "" {
			e.metrics.ObserveIndicator("carry_over")
		}
	}

	switch {
	case result == "skipped":
		return
	case err != nil:
		e.logger.Printf("batching: flush %s (%s) failed after %v: %s", res.SessionID, res.Trigger, elapsed.Round(time.Millisecond), policy.MaskURLs(err.Error()))
		var statusErr *delivery.StatusError
		if errors.Is(err, ErrUnregistered) || errors.Is(err, ErrUserDisabled) || (errors.As(err, &statusErr) && statusErr.Retryable()) {
			return
		}
		observability.CaptureError(err, map[string]string{
			"component":  "flush",
			"session_id": res.SessionID,
			"trigger":    string(res.Trigger),
		})
	default:
		e.logger.Printf("batching: flush %s (%s) %s selected=%d summarized=%t in %v",
			res.SessionID, res.Trigger, res.Outcome, res.Selected, res.Summarized, elapsed.Round(time.Millisecond))
	}
}

package batching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/discomi/internal/delivery"
	"github.com/antoniostano/discomi/internal/policy"
	"github.com/antoniostano/discomi/internal/session"
	"github.com/antoniostano/discomi/internal/summarize"
	"github.com/antoniostano/discomi/internal/users"
)

var (
	ErrUnregistered = errors.New("user has not completed registration")
	ErrUserDisabled = errors.New("user is disabled")
)

const (
	titleTranscript = "💬 Batched Transcript"
	titleSummary    = "🧠 Conversation Summary"
)

// FlushOutcome is the terminal state of one flush attempt.
type FlushOutcome string

const (
	OutcomeDelivered FlushOutcome = "delivered"
	OutcomeEmpty     FlushOutcome = "empty"
	OutcomeFailed    FlushOutcome = "failed"
)

type FlushResult struct {
	SessionID   string       `json:"session_id"`
	UserID      string       `json:"user_id,omitempty"`
	Trigger     Trigger      `json:"trigger"`
	Outcome     FlushOutcome `json:"outcome"`
	Selected    int          `json:"selected"`
	Summarized  bool         `json:"summarized"`
	CarryOverID string       `json:"carry_over_id,omitempty"`
}

// Flusher runs the flush pipeline for one session: claim, window, assemble,
// enrich, deliver, and close.
type Flusher struct {
	store      session.Store
	directory  users.Directory
	gateway    delivery.Gateway
	summarizer summarize.Summarizer
	cfg        Config
	hooks      Hooks
	now        func() time.Time
}

// NewFlusher builds a Flusher. summarizer may be nil.
func NewFlusher(store session.Store, directory users.Directory, gateway delivery.Gateway, summarizer summarize.Summarizer, cfg Config, hooks Hooks, now func() time.Time) *Flusher {
	if now == nil {
		now = time.Now
	}
	return &Flusher{
		store:      store,
		directory:  directory,
		gateway:    gateway,
		summarizer: summarizer,
		cfg:        cfg.normalized(),
		hooks:      hooks,
		now:        now,
	}
}

// Flush delivers the session's content and closes it. The session stays
// open when delivery fails, so a later sweep retries it. It returns
// session.ErrClaimed when another flush holds the session and
// session.ErrClosed when it has already been closed.
func (f *Flusher) Flush(ctx context.Context, sessionID string, trigger Trigger) (FlushResult, error) {
	started := time.Now()
	res, err := f.flush(ctx, sessionID, trigger)
	elapsed := time.Since(started)
	f.hooks.stage("flush_total", elapsed)
	f.hooks.flushDone(res, err, elapsed)
	return res, err
}

func (f *Flusher) flush(ctx context.Context, sessionID string, trigger Trigger) (FlushResult, error) {
	res := FlushResult{SessionID: sessionID, Trigger: trigger, Outcome: OutcomeFailed}
	now := f.now().UTC()

	snapshot, err := f.store.ClaimFlush(ctx, sessionID, now, now.Add(f.cfg.leaseDuration()))
	if err != nil {
		return res, fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	res.UserID = snapshot.UserID
	held := true
	defer func() {
		if !held {
			return
		}
		_ = f.store.ReleaseFlush(context.WithoutCancel(ctx), sessionID)
	}()

	window := SelectWindow(snapshot, now, f.cfg.LookbackWindow, f.cfg.LookbackCount, f.cfg.FallbackCount)
	text := Assemble(window)
	if f.cfg.RedactPII {
		text, _ = policy.RedactPII(text)
	}
	res.Selected = len(window)

	if text == "" {
		closure, err := f.commit(ctx, snapshot, session.CloseAbandonedEmpty)
		if err != nil {
			return res, err
		}
		held = false
		res.Outcome = OutcomeEmpty
		res.CarryOverID = closure.CarryOverID
		f.hooks.sessionEvent(EventAbandonedEmpty, snapshot)
		return res, nil
	}

	cfg, err := f.directory.Get(ctx, snapshot.UserID)
	switch {
	case errors.Is(err, users.ErrNotFound):
		return res, fmt.Errorf("%w: %s", ErrUnregistered, snapshot.UserID)
	case err != nil:
		return res, fmt.Errorf("load config for %s: %w", snapshot.UserID, err)
	case !cfg.Registered():
		return res, fmt.Errorf("%w: %s", ErrUnregistered, snapshot.UserID)
	case cfg.Disabled:
		return res, fmt.Errorf("%w: %s", ErrUserDisabled, snapshot.UserID)
	}

	payload := delivery.Payload{
		Title:             titleTranscript,
		Body:              text,
		Transcript:        text,
		StartedAt:         snapshot.FirstFragmentAt,
		Anchor:            now,
		SessionID:         snapshot.ID,
		UserID:            snapshot.UserID,
		FragmentCount:     len(window),
		Trigger:           string(trigger),
		IncludeTranscript: cfg.IncludeTranscript,
		MaxChars:          cfg.MaxChars,
	}
	if digest, ok := f.enrich(ctx, text, cfg.CustomTerms); ok {
		applyDigest(&payload, digest)
		res.Summarized = true
	}

	deliverCtx, cancel := context.WithTimeout(ctx, f.cfg.DeliveryTimeout)
	deliverStart := time.Now()
	err = f.gateway.Deliver(deliverCtx, cfg.WebhookURL, payload)
	cancel()
	f.hooks.stage("deliver", time.Since(deliverStart))
	if err != nil {
		return res, fmt.Errorf("deliver session %s: %w", sessionID, err)
	}

	closure, err := f.commit(ctx, snapshot, session.CloseFlushed)
	if err != nil {
		return res, err
	}
	held = false
	res.Outcome = OutcomeDelivered
	res.CarryOverID = closure.CarryOverID
	return res, nil
}

// commit closes the session at the snapshot's length. Fragments appended
// while the flush ran move to a new session.
func (f *Flusher) commit(ctx context.Context, snapshot session.Session, reason session.CloseReason) (session.Closure, error) {
	at := f.now().UTC()
	closure, err := f.store.Complete(ctx, snapshot.ID, snapshot.FragmentCount(), at, reason, newSessionID(snapshot.UserID, at))
	if err != nil {
		return session.Closure{}, fmt.Errorf("close session %s: %w", snapshot.ID, err)
	}
	if closure.CarryOverID != "" {
		f.hooks.sessionEvent(EventCarriedOver, session.Session{ID: closure.CarryOverID, UserID: snapshot.UserID})
	}
	return closure, nil
}

func (f *Flusher) enrich(ctx context.Context, text string, terms []string) (summarize.Result, bool) {
	if !f.cfg.EnrichEnabled || f.summarizer == nil {
		f.hooks.enrichment("disabled", nil)
		return summarize.Result{}, false
	}
	if summarize.WordCount(text) < f.cfg.MinWords {
		f.hooks.enrichment("too_short", nil)
		return summarize.Result{}, false
	}

	enrichCtx, cancel := context.WithTimeout(ctx, f.cfg.EnrichTimeout)
	defer cancel()
	started := time.Now()
	digest, err := f.summarizer.Summarize(enrichCtx, text, terms)
	f.hooks.stage("enrich", time.Since(started))
	switch {
	case errors.Is(err, summarize.ErrUnavailable):
		f.hooks.enrichment("unavailable", err)
		return summarize.Result{}, false
	case errors.Is(err, context.DeadlineExceeded):
		f.hooks.enrichment("timeout", err)
		return summarize.Result{}, false
	case err != nil:
		f.hooks.enrichment("error", err)
		return summarize.Result{}, false
	}
	f.hooks.enrichment("ok", nil)
	return digest, true
}

func applyDigest(p *delivery.Payload, d summarize.Result) {
	p.Title = titleSummary
	p.Body = d.Summary
	p.Summarized = true
	p.Category = d.Category
	p.Sentiment = d.Sentiment
	p.Ideas = append([]string(nil), d.Ideas...)
	p.Entities = append([]string(nil), d.Entities...)
	p.Tasks = make([]delivery.Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		p.Tasks = append(p.Tasks, delivery.Task{Text: t.Text, Priority: t.Priority})
	}
}

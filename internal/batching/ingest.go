package batching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/discomi/internal/reliability"
	"github.com/antoniostano/discomi/internal/session"
)

// IngestOptions carries per-user keyword settings.
type IngestOptions struct {
	// StoreKeywords are checked in addition to the configured ones.
	StoreKeywords []string
	// StartKeyword overrides the configured start keyword. Use
	// DisableStartKeyword to turn rollover detection off.
	StartKeyword string
}

// DisableStartKeyword turns off rollover detection for one ingest.
const DisableStartKeyword = "\x00"

type IngestResult struct {
	SessionID     string  `json:"session_id"`
	Appended      bool    `json:"appended"`
	Flush         bool    `json:"flush"`
	Trigger       Trigger `json:"trigger,omitempty"`
	FragmentCount int     `json:"fragment_count"`
}

// Ingestor appends fragments to the user's active session and reports when
// that session should be flushed.
type Ingestor struct {
	resolver     *Resolver
	store        session.Store
	detector     *Detector
	startKeyword string
	maxFragments int
	maxAttempts  int
	retryBase    time.Duration
	now          func() time.Time
}

func NewIngestor(store session.Store, resolver *Resolver, detector *Detector, cfg Config, now func() time.Time) *Ingestor {
	cfg = cfg.normalized()
	if now == nil {
		now = time.Now
	}
	return &Ingestor{
		resolver:     resolver,
		store:        store,
		detector:     detector,
		startKeyword: cfg.StartKeyword,
		maxFragments: cfg.MaxFragments,
		maxAttempts:  cfg.MaxAttempts,
		retryBase:    cfg.RetryBase,
		now:          now,
	}
}

// Ingest places frag in the user's active session.
//
// When the session is full, or frag carries the start keyword while the
// session already holds content, nothing is appended: the result asks the
// caller to flush SessionID and ingest frag again, which then opens the next
// session. A keyword fragment is appended first and then reported with
// Flush set.
func (in *Ingestor) Ingest(ctx context.Context, userID string, frag session.Fragment, opts IngestOptions) (IngestResult, error) {
	frag = normalizeFragment(frag)
	startKeyword := in.startKeyword
	switch opts.StartKeyword {
	case "":
	case DisableStartKeyword:
		startKeyword = ""
	default:
		startKeyword = opts.StartKeyword
	}

	for attempt := 0; attempt < in.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := reliability.Wait(ctx, reliability.ExponentialBackoff(attempt-1, in.retryBase, 8*in.retryBase)); err != nil {
				return IngestResult{}, err
			}
		}

		active, err := in.resolver.ResolveActiveSession(ctx, userID)
		if err != nil {
			return IngestResult{}, err
		}
		count := active.FragmentCount()
		if count > 0 && in.detector.IsStartFresh(frag, startKeyword) {
			return IngestResult{SessionID: active.ID, Flush: true, Trigger: TriggerRollover, FragmentCount: count}, nil
		}
		if count >= in.maxFragments {
			return IngestResult{SessionID: active.ID, Flush: true, Trigger: TriggerSizeCap, FragmentCount: count}, nil
		}

		updated, err := in.store.Append(ctx, active.ID, frag, in.now(), in.maxFragments)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrFull):
			return IngestResult{SessionID: active.ID, Flush: true, Trigger: TriggerSizeCap, FragmentCount: in.maxFragments}, nil
		case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrNotFound):
			// Closed by a concurrent flush between resolve and append.
			continue
		default:
			return IngestResult{}, fmt.Errorf("append fragment to %s: %w", active.ID, err)
		}

		res := IngestResult{SessionID: updated.ID, Appended: true, FragmentCount: updated.FragmentCount()}
		if in.detector.ShouldFlush(frag, opts.StoreKeywords...) {
			res.Flush = true
			res.Trigger = TriggerKeyword
		}
		return res, nil
	}
	return IngestResult{}, fmt.Errorf("ingest fragment for %s: %w", userID, session.ErrConflict)
}

func normalizeFragment(frag session.Fragment) session.Fragment {
	frag.Speaker = strings.TrimSpace(frag.Speaker)
	if frag.Timestamp != nil {
		ts := frag.Timestamp.UTC()
		frag.Timestamp = &ts
	}
	return frag
}

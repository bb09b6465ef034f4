package batching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/discomi/internal/reliability"
	"github.com/antoniostano/discomi/internal/session"
)

var ErrMissingUser = errors.New("user id is required")

// Resolver finds or creates the single open session of a user.
type Resolver struct {
	store       session.Store
	idleWindow  time.Duration
	maxAttempts int
	retryBase   time.Duration
	hooks       Hooks
	now         func() time.Time
}

func NewResolver(store session.Store, cfg Config, hooks Hooks, now func() time.Time) *Resolver {
	cfg = cfg.normalized()
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store:       store,
		idleWindow:  cfg.IdleWindow,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		hooks:       hooks,
		now:         now,
	}
}

// ResolveActiveSession returns the user's open session. A session idle for
// longer than the idle window is abandoned without delivery and replaced by
// a new empty one.
func (r *Resolver) ResolveActiveSession(ctx context.Context, userID string) (session.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return session.Session{}, ErrMissingUser
	}

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := reliability.Wait(ctx, reliability.ExponentialBackoff(attempt-1, r.retryBase, 8*r.retryBase)); err != nil {
				return session.Session{}, err
			}
		}
		now := r.now().UTC()

		active, err := r.store.ActiveForUser(ctx, userID)
		switch {
		case err == nil:
			if now.Sub(active.LastFragmentAt) <= r.idleWindow {
				return active, nil
			}
			abandoned, err := r.store.Abandon(ctx, active.ID, now, session.CloseAbandonedIdle)
			if err != nil && !errors.Is(err, session.ErrNotFound) {
				return session.Session{}, fmt.Errorf("abandon idle session %s: %w", active.ID, err)
			}
			if err == nil && !abandoned {
				// A flush holds the session. Appends still land in it and are
				// carried over if they miss the flushed snapshot.
				current, err := r.store.Get(ctx, active.ID)
				if err == nil && !current.Closed {
					return current, nil
				}
				continue
			}
			if abandoned {
				r.hooks.sessionEvent(EventAbandonedIdle, active)
			}
		case errors.Is(err, session.ErrNotFound):
		default:
			return session.Session{}, fmt.Errorf("load active session for %s: %w", userID, err)
		}

		fresh := session.New(newSessionID(userID, now), userID, now)
		stored, created, err := r.store.Create(ctx, fresh)
		if err != nil {
			if errors.Is(err, session.ErrConflict) {
				continue
			}
			return session.Session{}, fmt.Errorf("create session for %s: %w", userID, err)
		}
		if created {
			r.hooks.sessionEvent(EventCreated, stored)
		}
		return stored, nil
	}
	return session.Session{}, fmt.Errorf("resolve session for %s: %w", userID, session.ErrConflict)
}

func newSessionID(userID string, at time.Time) string {
	return fmt.Sprintf("%s_%d_%s", userID, at.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

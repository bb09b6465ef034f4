package session

import (
	"context"
	"time"
)

// Store is the keyed record store behind the batching engine. Every mutation
// is conditional on the state the caller observed, so concurrent ingests,
// flushes and sweeps can share one store safely.
type Store interface {
	Get(ctx context.Context, sessionID string) (Session, error)
	// ActiveForUser returns the user's open session or ErrNotFound.
	ActiveForUser(ctx context.Context, userID string) (Session, error)
	// Create inserts s unless the user already has an open session. When
	// the insert loses, the existing open session is returned with
	// created=false.
	Create(ctx context.Context, s Session) (stored Session, created bool, err error)
	// Append adds frag to an open session holding fewer than maxFragments
	// fragments. It returns ErrClosed, ErrFull or ErrNotFound otherwise.
	Append(ctx context.Context, sessionID string, frag Fragment, at time.Time, maxFragments int) (Session, error)
	// ClaimFlush takes an exclusive flush lease on an open session and
	// returns the snapshot to deliver.
	ClaimFlush(ctx context.Context, sessionID string, now, until time.Time) (Session, error)
	// ReleaseFlush drops the lease after a failed flush and counts the
	// attempt.
	ReleaseFlush(ctx context.Context, sessionID string) error
	// Complete closes a session that is still open. Fragments beyond the
	// first delivered ones move to a new open session named carryID.
	Complete(ctx context.Context, sessionID string, delivered int, at time.Time, reason CloseReason, carryID string) (Closure, error)
	// Abandon closes an open, unleased session without delivery.
	Abandon(ctx context.Context, sessionID string, at time.Time, reason CloseReason) (bool, error)
	// ListIdle returns open sessions whose last fragment precedes before.
	// Sessions with fewer failed flushes come first, then the oldest, so
	// undeliverable sessions cannot crowd fresh ones out of a batch. Open
	// records that fail to decode are closed as CloseMalformed.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]Session, error)
	// PurgeClosed deletes closed sessions whose closed_at precedes before.
	PurgeClosed(ctx context.Context, before time.Time) (int, error)
	CountOpen(ctx context.Context) (int, error)
	Close() error
}

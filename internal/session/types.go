package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CloseReason records why a session left the open state.
type CloseReason string

const (
	CloseFlushed        CloseReason = "flushed"
	CloseAbandonedIdle  CloseReason = "abandoned_idle"
	CloseAbandonedEmpty CloseReason = "abandoned_empty"
	CloseExpired        CloseReason = "expired"
	// CloseUndelivered marks a session dropped because it had to make room
	// for new content and its delivery failed.
	CloseUndelivered CloseReason = "undelivered"
	// CloseMalformed marks open records that could not be decoded. They
	// leave the idle scan and are purged with the other closed sessions.
	CloseMalformed CloseReason = "malformed"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrClosed    = errors.New("session closed")
	ErrFull      = errors.New("session fragment cap reached")
	ErrClaimed   = errors.New("session flush already claimed")
	ErrConflict  = errors.New("session write conflict")
	ErrMalformed = errors.New("malformed session record")
)

// Fragment is one piece of transcribed text. Fragments are never mutated
// once appended.
type Fragment struct {
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Speaker   string     `json:"speaker,omitempty"`
}

// Session groups the fragments of one continuous conversation for a user.
type Session struct {
	ID              string      `json:"session_id"`
	UserID          string      `json:"user_id"`
	Fragments       []Fragment  `json:"fragments"`
	CreatedAt       time.Time   `json:"created_at"`
	FirstFragmentAt time.Time   `json:"first_fragment_at"`
	LastFragmentAt  time.Time   `json:"last_fragment_at"`
	Closed          bool        `json:"closed"`
	ClosedAt        *time.Time  `json:"closed_at,omitempty"`
	CloseReason     CloseReason `json:"close_reason,omitempty"`
	FlushLeaseUntil *time.Time  `json:"flush_lease_until,omitempty"`
	// FlushAttempts counts flushes that were released without closing.
	FlushAttempts int `json:"flush_attempts"`
}

// New returns an empty open session whose timestamps all equal at.
func New(id, userID string, at time.Time) Session {
	at = at.UTC()
	return Session{
		ID:              id,
		UserID:          userID,
		Fragments:       []Fragment{},
		CreatedAt:       at,
		FirstFragmentAt: at,
		LastFragmentAt:  at,
	}
}

func (s Session) FragmentCount() int {
	return len(s.Fragments)
}

// Leased reports whether a flush claim is still live at now.
func (s Session) Leased(now time.Time) bool {
	return s.FlushLeaseUntil != nil && s.FlushLeaseUntil.After(now)
}

// Validate checks the structural invariants of a record loaded from or
// written to a store.
func (s Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: empty session id", ErrMalformed)
	}
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: session %s has no user id", ErrMalformed, s.ID)
	}
	if s.FirstFragmentAt.Before(s.CreatedAt) {
		return fmt.Errorf("%w: session %s first_fragment_at precedes created_at", ErrMalformed, s.ID)
	}
	if s.LastFragmentAt.Before(s.FirstFragmentAt) {
		return fmt.Errorf("%w: session %s last_fragment_at precedes first_fragment_at", ErrMalformed, s.ID)
	}
	if s.Closed && s.ClosedAt == nil {
		return fmt.Errorf("%w: session %s closed without closed_at", ErrMalformed, s.ID)
	}
	if !s.Closed && s.ClosedAt != nil {
		return fmt.Errorf("%w: session %s open with closed_at set", ErrMalformed, s.ID)
	}
	return nil
}

// Closure reports the outcome of a conditional close.
type Closure struct {
	// Closed is false when the session had already been closed by someone else.
	Closed bool
	// CarryOverID names the new open session holding fragments that arrived
	// after the flushed snapshot was taken. Empty when nothing was carried.
	CarryOverID string
}

func clone(s *Session) *Session {
	c := *s
	c.Fragments = append([]Fragment(nil), s.Fragments...)
	if c.Fragments == nil {
		c.Fragments = []Fragment{}
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	if s.FlushLeaseUntil != nil {
		t := *s.FlushLeaseUntil
		c.FlushLeaseUntil = &t
	}
	return &c
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

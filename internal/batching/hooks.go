package batching

import (
	"time"

	"github.com/antoniostano/discomi/internal/session"
)

// Session lifecycle events reported through Hooks.
const (
	EventCreated        = "created"
	EventAbandonedIdle  = "abandoned_idle"
	EventAbandonedEmpty = "abandoned_empty"
	EventExpired        = "expired"
	EventCarriedOver    = "carried_over"
	EventUndelivered    = "undelivered"
)

// Hooks lets the caller observe the core without the core knowing about
// logging or metrics. Every field is optional.
type Hooks struct {
	SessionEvent func(event string, s session.Session)
	Enrichment   func(result string, err error)
	Stage        func(stage string, d time.Duration)
	FlushDone    func(res FlushResult, err error, elapsed time.Duration)
	SweepDone    func(res SweepResult, err error, elapsed time.Duration)
	ExpireError  func(s session.Session, err error)
}

func (h Hooks) sessionEvent(event string, s session.Session) {
	if h.SessionEvent != nil {
		h.SessionEvent(event, s)
	}
}

func (h Hooks) enrichment(result string, err error) {
	if h.Enrichment != nil {
		h.Enrichment(result, err)
	}
}

func (h Hooks) stage(stage string, d time.Duration) {
	if h.Stage != nil {
		h.Stage(stage, d)
	}
}

func (h Hooks) flushDone(res FlushResult, err error, elapsed time.Duration) {
	if h.FlushDone != nil {
		h.FlushDone(res, err, elapsed)
	}
}

func (h Hooks) sweepDone(res SweepResult, err error, elapsed time.Duration) {
	if h.SweepDone != nil {
		h.SweepDone(res, err, elapsed)
	}
}

func (h Hooks) expireError(s session.Session, err error) {
	if h.ExpireError != nil {
		h.ExpireError(s, err)
	}
}

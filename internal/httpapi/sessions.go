package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/discomi/internal/batching"
	"github.com/antoniostano/discomi/internal/session"
)

type sessionView struct {
	ID              string              `json:"session_id"`
	UserID          string              `json:"user_id"`
	FragmentCount   int                 `json:"fragment_count"`
	CreatedAt       time.Time           `json:"created_at"`
	FirstFragmentAt time.Time           `json:"first_fragment_at"`
	LastFragmentAt  time.Time           `json:"last_fragment_at"`
	Closed          bool                `json:"closed"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty"`
	CloseReason     session.CloseReason `json:"close_reason,omitempty"`
	Flushing        bool                `json:"flushing"`
	FlushAttempts   int                 `json:"flush_attempts"`
	Fragments       []session.Fragment  `json:"fragments,omitempty"`
}

func viewOf(sess session.Session, withFragments bool) sessionView {
	v := sessionView{
		ID:              sess.ID,
		UserID:          sess.UserID,
		FragmentCount:   sess.FragmentCount(),
		CreatedAt:       sess.CreatedAt,
		FirstFragmentAt: sess.FirstFragmentAt,
		LastFragmentAt:  sess.LastFragmentAt,
		Closed:          sess.Closed,
		ClosedAt:        sess.ClosedAt,
		CloseReason:     sess.CloseReason,
		Flushing:        sess.Leased(time.Now()),
		FlushAttempts:   sess.FlushAttempts,
	}
	if withFragments {
		v.Fragments = sess.Fragments
	}
	return v
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sess, false))
}

func (s *Server) handleAdminSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sess, true))
}

func (s *Server) handleFlushSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Flush(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrMalformed):
		respondSessionError(w, err)
	case errors.Is(err, session.ErrClosed):
		respondError(w, http.StatusConflict, "session_closed", "session is already closed")
	case errors.Is(err, session.ErrClaimed):
		respondError(w, http.StatusConflict, "flush_in_progress", "session is already being flushed")
	case errors.Is(err, batching.ErrUnregistered):
		respondError(w, http.StatusNotFound, "user_not_registered", "session owner has no webhook configured")
	case errors.Is(err, batching.ErrUserDisabled):
		respondError(w, http.StatusForbidden, "user_disabled", "session owner is disabled")
	default:
		w.Header().Set("Retry-After", "30")
		respondError(w, http.StatusBadGateway, "delivery_failed", "delivery failed; the session stays open")
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.logger.Printf("httpapi: sweep failed: %v", err)
		captureError(r, err, "sweep failed")
		respondError(w, http.StatusInternalServerError, "sweep_failed", "sweep did not complete")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"result": res,
	})
}

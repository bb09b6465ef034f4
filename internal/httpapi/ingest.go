package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/discomi/internal/batching"
	"github.com/antoniostano/discomi/internal/extract"
	"github.com/antoniostano/discomi/internal/protocol"
	"github.com/antoniostano/discomi/internal/session"
)

// ingestResponse reports how much of a body was stored. When a later
// fragment fails after earlier ones were stored, Partial is set and
// Unplaced holds the fragments the producer should send again.
type ingestResponse struct {
	OK        bool                   `json:"ok"`
	Accepted  int                    `json:"accepted"`
	SessionID string                 `json:"session_id,omitempty"`
	Flushes   []batching.FlushResult `json:"flushes,omitempty"`
	Partial   bool                   `json:"partial,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Unplaced  []session.Fragment     `json:"unplaced,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body is too large")
		return
	}

	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		uid = s.extractor.UserIDFrom(body)
	}
	if uid == "" {
		respondError(w, http.StatusBadRequest, "missing_uid", "query parameter uid is required")
		return
	}
	if !s.authorizeIngest(w, r, uid) || !s.authorizeSignature(w, r, body) {
		return
	}

	frags, err := s.extractor.Fragments(body)
	if errors.Is(err, extract.ErrInvalidPayload) {
		respondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", "could not read transcript")
		return
	}

	out := ingestResponse{OK: true, Flushes: []batching.FlushResult{}}
	for i, frag := range frags {
		res, err := s.engine.Submit(r.Context(), uid, frag)
		out.Flushes = append(out.Flushes, res.Flushes...)
		if err == nil {
			out.Accepted++
			out.SessionID = res.SessionID
			continue
		}

		status, code, message := s.classifySubmitError(r, uid, err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "30")
		}
		if out.Accepted == 0 {
			respondError(w, status, code, message)
			return
		}
		// Stored fragments must not be resent, so the request succeeds
		// with the remainder handed back.
		out.Partial = true
		out.Code = code
		out.Error = message
		out.Unplaced = append([]session.Fragment(nil), frags[i:]...)
		respondJSON(w, http.StatusAccepted, out)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) classifySubmitError(r *http.Request, uid string, err error) (int, string, string) {
	switch {
	case errors.Is(err, batching.ErrUnregistered):
		return http.StatusNotFound, "user_not_registered", "complete setup before sending transcripts"
	case errors.Is(err, batching.ErrUserDisabled):
		return http.StatusForbidden, "user_disabled", "this user is disabled"
	case errors.Is(err, batching.ErrMissingUser):
		return http.StatusBadRequest, "missing_uid", err.Error()
	case errors.Is(err, batching.ErrDeliveryDeferred), errors.Is(err, session.ErrConflict):
		return http.StatusServiceUnavailable, "retry_later", "previous session is still being delivered"
	default:
		s.logger.Printf("httpapi: ingest for %s failed: %v", uid, err)
		captureError(r, err, "ingest failed")
		return http.StatusInternalServerError, "ingest_failed", "could not store fragment"
	}
}

func (s *Server) handleIngestWS(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		respondError(w, http.StatusBadRequest, "missing_uid", "query parameter uid is required")
		return
	}
	if !s.authorizeIngest(w, r, uid) {
		return
	}
	if cfg, err := s.directory.Get(r.Context(), uid); err != nil || !cfg.Registered() {
		respondError(w, http.StatusNotFound, "user_not_registered", "complete setup before sending transcripts")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.countEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	send := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected", Detail: uid})

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: err.Error()})
			continue
		}
		switch msg := parsed.(type) {
		case protocol.TranscriptFragment:
			s.handleWSFragment(ctx, uid, msg, send)
		case protocol.ClientControl:
			s.handleWSControl(ctx, uid, msg, send)
		}
	}

	cancel()
	<-writerDone
	s.countEvent("ws_disconnected")
}

func (s *Server) handleWSFragment(ctx context.Context, uid string, msg protocol.TranscriptFragment, send func(any)) {
	frag := session.Fragment{Text: msg.Text, Speaker: msg.Speaker, Timestamp: msg.Timestamp()}
	res, err := s.engine.Submit(ctx, uid, frag)
	for _, fr := range res.Flushes {
		send(flushEvent(fr))
	}
	if err != nil {
		retryable := errors.Is(err, batching.ErrDeliveryDeferred) || errors.Is(err, session.ErrConflict)
		if !retryable {
			s.logger.Printf("httpapi: ws ingest for %s failed: %v", uid, err)
		}
		send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Seq: msg.Seq, Code: "ingest_failed", Retryable: retryable, Detail: err.Error()})
		return
	}
	send(protocol.FragmentAck{
		Type:          protocol.TypeFragmentAck,
		Seq:           msg.Seq,
		SessionID:     res.SessionID,
		Appended:      res.Appended,
		Flush:         res.Flush,
		Trigger:       string(res.Trigger),
		FragmentCount: res.FragmentCount,
	})
}

func (s *Server) handleWSControl(ctx context.Context, uid string, msg protocol.ClientControl, send func(any)) {
	switch msg.Action {
	case protocol.ActionPing:
		send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "pong"})
	case protocol.ActionFlush:
		active, err := s.engine.ActiveSession(ctx, uid)
		if err != nil {
			send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "no_active_session", Detail: "nothing to flush"})
			return
		}
		fr, err := s.engine.Flush(ctx, active.ID)
		if err != nil {
			send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "flush_failed", Retryable: true, Detail: err.Error()})
			return
		}
		send(flushEvent(fr))
	}
}

func flushEvent(fr batching.FlushResult) protocol.FlushEvent {
	return protocol.FlushEvent{
		Type:        protocol.TypeFlushEvent,
		SessionID:   fr.SessionID,
		Trigger:     string(fr.Trigger),
		Outcome:     string(fr.Outcome),
		Summarized:  fr.Summarized,
		CarryOverID: fr.CarryOverID,
	}
}

func (s *Server) countEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

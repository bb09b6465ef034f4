package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/discomi/internal/delivery"
	"github.com/antoniostano/discomi/internal/policy"
	"github.com/antoniostano/discomi/internal/users"
)

const (
	defaultMaxChars = 900
	maxMaxChars     = 1900
	appTerm         = "DiscOmi"
)

type registerRequest struct {
	UserID            string   `json:"uid"`
	WebhookURL        string   `json:"webhook_url"`
	StoreKeyword      string   `json:"store_keyword"`
	StartKeyword      string   `json:"start_keyword"`
	CustomTerms       []string `json:"custom_terms"`
	IncludeTranscript *bool    `json:"include_transcript"`
	MaxChars          int      `json:"max_chars"`
}

type registerResponse struct {
	OK        bool   `json:"ok"`
	UserID    string `json:"uid"`
	IngestURL string `json:"ingest_url"`
	Token     string `json:"token,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if uid := strings.TrimSpace(r.URL.Query().Get("uid")); uid != "" {
		req.UserID = uid
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing_uid", "uid is required")
		return
	}
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if !delivery.ValidWebhookURL(req.WebhookURL) {
		respondError(w, http.StatusBadRequest, "invalid_webhook", "webhook_url must be a Discord webhook URL")
		return
	}

	cfg := users.Config{
		UserID:            req.UserID,
		WebhookURL:        req.WebhookURL,
		StoreKeyword:      strings.TrimSpace(req.StoreKeyword),
		StartKeyword:      strings.TrimSpace(req.StartKeyword),
		CustomTerms:       append([]string{appTerm}, req.CustomTerms...),
		IncludeTranscript: true,
		MaxChars:          clampMaxChars(req.MaxChars),
	}
	if req.IncludeTranscript != nil {
		cfg.IncludeTranscript = *req.IncludeTranscript
	}

	saved, err := s.directory.Upsert(r.Context(), cfg)
	if err != nil {
		s.logger.Printf("httpapi: register %s failed: %v", req.UserID, err)
		captureError(r, err, "register failed")
		respondError(w, http.StatusInternalServerError, "register_failed", "could not save configuration")
		return
	}

	token, err := IssueIngestToken(s.cfg.IngestTokenSecret, saved.UserID, time.Now().UTC())
	if err != nil {
		captureError(r, err, "issue ingest token failed")
		respondError(w, http.StatusInternalServerError, "token_failed", "could not issue ingest token")
		return
	}
	s.logger.Printf("httpapi: registered %s (webhook %s)", saved.UserID, policy.MaskSecret(saved.WebhookURL))
	respondJSON(w, http.StatusOK, registerResponse{
		OK:        true,
		UserID:    saved.UserID,
		IngestURL: s.ingestURL(saved.UserID, token),
		Token:     token,
	})
}

func clampMaxChars(n int) int {
	switch {
	case n <= 0:
		return defaultMaxChars
	case n > maxMaxChars:
		return maxMaxChars
	}
	return n
}

func (s *Server) ingestURL(uid, token string) string {
	q := url.Values{}
	q.Set("uid", uid)
	if token != "" {
		q.Set("token", token)
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/v1/transcripts?" + q.Encode()
}

func (s *Server) handleUserConfig(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(chi.URLParam(r, "uid"))
	cfg, err := s.directory.Get(r.Context(), uid)
	if errors.Is(err, users.ErrNotFound) {
		respondJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	if err != nil {
		captureError(r, err, "load user config failed")
		respondError(w, http.StatusInternalServerError, "config_unavailable", "could not load configuration")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"configured":         cfg.Registered(),
		"webhook_url_masked": policy.MaskSecret(cfg.WebhookURL),
		"custom_terms":       cfg.CustomTerms,
		"options": map[string]any{
			"store_keyword":      cfg.StoreKeyword,
			"start_keyword":      cfg.StartKeyword,
			"include_transcript": cfg.IncludeTranscript,
			"max_chars":          cfg.MaxChars,
		},
		"disabled": cfg.Disabled,
	})
}

// handleSetupComplete answers the capture client's setup check.
func (s *Server) handleSetupComplete(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		respondError(w, http.StatusBadRequest, "missing_uid", "query parameter uid is required")
		return
	}
	cfg, err := s.directory.Get(r.Context(), uid)
	if err != nil && !errors.Is(err, users.ErrNotFound) {
		captureError(r, err, "setup check failed")
		respondError(w, http.StatusInternalServerError, "config_unavailable", "could not load configuration")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"is_setup_completed": err == nil && cfg.Registered()})
}

func (s *Server) handleSetDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(chi.URLParam(r, "uid"))
		err := s.directory.SetDisabled(r.Context(), uid, disabled)
		if errors.Is(err, users.ErrNotFound) {
			respondError(w, http.StatusNotFound, "user_not_found", "user not found")
			return
		}
		if err != nil {
			captureError(r, err, "set disabled failed")
			respondError(w, http.StatusInternalServerError, "update_failed", "could not update user")
			return
		}
		s.logger.Printf("httpapi: user %s disabled=%t", uid, disabled)
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "uid": uid, "disabled": disabled})
	}
}

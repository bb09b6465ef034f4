package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/discomi/internal/batching"
	"github.com/antoniostano/discomi/internal/config"
	"github.com/antoniostano/discomi/internal/extract"
	"github.com/antoniostano/discomi/internal/observability"
	"github.com/antoniostano/discomi/internal/users"
)

const maxBodyBytes = 1 << 20

type Server struct {
	cfg       config.Config
	engine    *batching.Engine
	directory users.Directory
	extractor *extract.Extractor
	metrics   *observability.Metrics
	logger    *log.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, engine *batching.Engine, directory users.Directory, metrics *observability.Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		cfg:       cfg,
		engine:    engine,
		directory: directory,
		extractor: extract.Default(),
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The capture client is not a browser; ingest tokens do the gating.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/transcripts", s.handleIngest)
	r.Get("/v1/transcripts/ws", s.handleIngestWS)

	r.Post("/v1/register", s.handleRegister)
	r.Get("/v1/users/{uid}/config", s.handleUserConfig)
	r.Get("/v1/setup-complete", s.handleSetupComplete)

	r.Get("/v1/sessions/{id}", s.withIngestAuthForSession(s.handleGetSession))
	r.Post("/v1/sessions/{id}/flush", s.withIngestAuthForSession(s.handleFlushSession))

	r.Get("/v1/cron/sweep", s.withCronToken(s.handleSweep))
	r.Post("/v1/cron/sweep", s.withCronToken(s.handleSweep))
	r.Get("/v1/batch/status", s.handleBatchStatus)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.withAdminKey)
		r.Post("/users/{uid}/disable", s.handleSetDisabled(true))
		r.Post("/users/{uid}/enable", s.handleSetDisabled(false))
		r.Get("/sessions/{id}", s.handleAdminSession)
	})

	return withSentryRecovery(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.cfg.Environment,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	open, err := s.engine.OpenSessions(ctx)
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"open_sessions": open,
	})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, _ *http.Request) {
	bc := s.engine.Config()
	respondJSON(w, http.StatusOK, map[string]any{
		"feature":  "batched-transcripts",
		"deployed": true,
		"config": map[string]any{
			"batch_timeout":     bc.FlushTimeout.String(),
			"idle_timeout":      bc.IdleWindow.String(),
			"max_segments":      bc.MaxFragments,
			"lookback_window":   bc.LookbackWindow.String(),
			"lookback_count":    bc.LookbackCount,
			"store_keywords":    bc.StoreKeywords,
			"start_keyword":     bc.StartKeyword,
			"ai_enabled":        bc.EnrichEnabled,
			"has_cron_token":    s.cfg.CronToken != "",
			"in_process_reaper": s.cfg.SweepInterval > 0,
		},
		"stages":    s.metrics.FlushStageSnapshot(),
		"timestamp": time.Now().UTC(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context.
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

func queryOrHeader(r *http.Request, query, header string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(query)); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(header))
}

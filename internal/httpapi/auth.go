package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/antoniostano/discomi/internal/policy"
	"github.com/antoniostano/discomi/internal/session"
)

var errTokenUserMismatch = errors.New("token issued for another user")

// IngestClaims are carried by the per-user token embedded in the ingest URL.
type IngestClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// IssueIngestToken signs a token that lets the capture client post
// fragments for userID. Tokens do not expire. An empty secret yields an
// empty token.
func IssueIngestToken(secret, userID string, now time.Time) (string, error) {
	if secret == "" {
		return "", nil
	}
	claims := IngestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		UserID: userID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func verifyIngestToken(secret, tokenString, userID string) error {
	token, err := jwt.ParseWithClaims(tokenString, &IngestClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	claims, ok := token.Claims.(*IngestClaims)
	if !ok || !token.Valid {
		return errors.New("invalid token claims")
	}
	if claims.UserID != userID {
		return errTokenUserMismatch
	}
	return nil
}

func ingestToken(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("token")); v != "" {
		return v
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// authorizeIngest checks the ingest token for userID when tokens are
// enforced. It writes the error response and returns false on failure.
func (s *Server) authorizeIngest(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.cfg.IngestTokenSecret == "" {
		return true
	}
	token := ingestToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing_token", "ingest token is required")
		return false
	}
	if err := verifyIngestToken(s.cfg.IngestTokenSecret, token, userID); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "invalid ingest token")
		return false
	}
	return true
}

// authorizeSignature checks the producer's body signature when a signing
// secret is configured.
func (s *Server) authorizeSignature(w http.ResponseWriter, r *http.Request, body []byte) bool {
	if policy.VerifySignature(s.cfg.OmiSigningSecret, body, r.Header.Get("X-Omi-Signature")) {
		return true
	}
	respondError(w, http.StatusUnauthorized, "invalid_signature", "body signature does not match")
	return false
}

func (s *Server) withIngestAuthForSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.IngestTokenSecret == "" {
			next(w, r)
			return
		}
		sess, err := s.engine.Session(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondSessionError(w, err)
			return
		}
		if !s.authorizeIngest(w, r, sess.UserID) {
			return
		}
		next(w, r)
	}
}

func (s *Server) withCronToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !policy.MatchesSecret(queryOrHeader(r, "token", "X-Cron-Token"), s.cfg.CronToken) {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid cron token")
			return
		}
		next(w, r)
	}
}

func (s *Server) withAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !policy.MatchesSecret(r.Header.Get("X-Admin-Key"), s.cfg.AdminAPIKey) {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, session.ErrMalformed):
		respondError(w, http.StatusInternalServerError, "session_malformed", "stored session is malformed")
	default:
		respondError(w, http.StatusInternalServerError, "store_error", "session store unavailable")
	}
}

package users

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("user config not found")

// Config is a user's registration: where batched transcripts are delivered
// and how their sessions are tuned.
type Config struct {
	UserID            string    `json:"uid"`
	WebhookURL        string    `json:"webhook_url"`
	StoreKeyword      string    `json:"store_keyword,omitempty"`
	StartKeyword      string    `json:"start_keyword,omitempty"`
	CustomTerms       []string  `json:"custom_terms"`
	IncludeTranscript bool      `json:"include_transcript"`
	MaxChars          int       `json:"max_chars"`
	Disabled          bool      `json:"disabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Directory looks up and maintains user registrations.
type Directory interface {
	Get(ctx context.Context, userID string) (Config, error)
	Upsert(ctx context.Context, cfg Config) (Config, error)
	SetDisabled(ctx context.Context, userID string, disabled bool) error
	Close() error
}

// Registered reports whether the user can receive deliveries.
func (c Config) Registered() bool {
	return strings.TrimSpace(c.WebhookURL) != ""
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		key := strings.ToLower(term)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, term)
	}
	return out
}

func cloneConfig(c Config) Config {
	c.CustomTerms = append([]string(nil), c.CustomTerms...)
	if c.CustomTerms == nil {
		c.CustomTerms = []string{}
	}
	return c
}

// Package delivery hands finished session digests to a user's chat
// destination.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/antoniostano/discomi/internal/reliability"
)

type Task struct {
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

// Payload is the destination-agnostic digest of one flushed session.
type Payload struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Summarized bool      `json:"summarized"`
	Category   string    `json:"category,omitempty"`
	Sentiment  string    `json:"sentiment,omitempty"`
	Tasks      []Task    `json:"tasks,omitempty"`
	Ideas      []string  `json:"ideas,omitempty"`
	Entities   []string  `json:"entities,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Anchor     time.Time `json:"anchor"`

	// SessionID correlates retries of the same session.
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	FragmentCount int    `json:"fragment_count"`
	Trigger       string `json:"trigger"`

	IncludeTranscript bool `json:"include_transcript"`
	MaxChars          int  `json:"max_chars,omitempty"`
}

// Gateway delivers payloads to a destination handle such as a webhook URL.
type Gateway interface {
	Deliver(ctx context.Context, destination string, p Payload) error
}

// StatusError is a non-success response from the destination.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("destination returned status %d: %s", e.Status, e.Body)
}

// Retryable reports whether a later attempt may succeed.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// Package summarize turns an assembled transcript into a short structured
// digest using a chat-completion model.
package summarize

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable means the summarizer declined the input or is not
// configured. Callers fall back to the raw transcript.
var ErrUnavailable = errors.New("summarizer unavailable")

type Task struct {
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

// Result is the structured digest of one transcript.
type Result struct {
	Summary   string   `json:"summary"`
	Tasks     []Task   `json:"tasks"`
	Ideas     []string `json:"ideas"`
	Category  string   `json:"category"`
	Sentiment string   `json:"sentiment"`
	Entities  []string `json:"key_entities"`
}

// Summarizer is implemented by OpenAIClient.
type Summarizer interface {
	Summarize(ctx context.Context, text string, customTerms []string) (Result, error)
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

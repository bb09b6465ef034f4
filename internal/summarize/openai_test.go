package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const longTranscript = "we talked about the quarterly roadmap and agreed that Maria will send the draft " +
	"to the design team by friday while I review the budget numbers and schedule a follow up call"

func TestSummarizeParsesFencedJSON(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		content := "```json\n" + `{"summary":"Roadmap sync.","tasks":[{"text":"Send draft","priority":"high"}],` +
			`"ideas":["ship sooner"],"category":"meeting","sentiment":"positive","key_entities":["Maria"]}` + "\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", Endpoint: srv.URL})
	res, err := c.Summarize(context.Background(), longTranscript, []string{"Maria", "DiscOmi"})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if res.Summary != "Roadmap sync." || res.Category != "meeting" || res.Sentiment != "positive" {
		t.Fatalf("Summarize() = %+v", res)
	}
	if len(res.Tasks) != 1 || res.Tasks[0].Priority != "high" {
		t.Fatalf("Tasks = %+v", res.Tasks)
	}
	if len(res.Entities) != 1 || res.Entities[0] != "Maria" {
		t.Fatalf("Entities = %+v", res.Entities)
	}

	if got.Model != "gpt-4o-mini" || got.MaxTokens != 500 {
		t.Fatalf("request model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("response_format = %+v, want json_object", got.ResponseFormat)
	}
	if len(got.Messages) != 2 || !strings.Contains(got.Messages[1].Content, "Maria, DiscOmi") {
		t.Fatalf("user prompt missing custom terms: %+v", got.Messages)
	}
}

func TestSummarizeDisqualifiesShortOrUnconfigured(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	unconfigured := NewOpenAIClient(OpenAIConfig{Endpoint: srv.URL})
	if _, err := unconfigured.Summarize(context.Background(), longTranscript, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Summarize() without key error = %v, want ErrUnavailable", err)
	}

	short := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", Endpoint: srv.URL, MinWords: 20})
	if _, err := short.Summarize(context.Background(), "remember this please", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Summarize() short error = %v, want ErrUnavailable", err)
	}
	if calls != 0 {
		t.Fatalf("API called %d times for disqualified input", calls)
	}
}

func TestSummarizeSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", Endpoint: srv.URL})
	_, err := c.Summarize(context.Background(), longTranscript, nil)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("Summarize() error = %v, want 429 API error", err)
	}
}

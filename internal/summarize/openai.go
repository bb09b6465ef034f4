package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient summarizes transcripts with OpenAI's chat completions API.
type OpenAIClient struct {
	apiKey     string
	model      string
	maxTokens  int
	minWords   int
	endpoint   string
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey    string
	Model     string // e.g., "gpt-4o-mini"
	MaxTokens int
	// MinWords disqualifies shorter transcripts. Zero means 20.
	MinWords int
	// Endpoint overrides the API URL; used by tests.
	Endpoint   string
	HTTPClient *http.Client
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		minWords:   cfg.MinWords,
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
	}
	if c.model == "" {
		c.model = "gpt-4o-mini"
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 500
	}
	if c.minWords <= 0 {
		c.minWords = 20
	}
	if c.endpoint == "" {
		c.endpoint = openaiAPIURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// Configured reports whether an API key is present.
func (c *OpenAIClient) Configured() bool {
	return c.apiKey != ""
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Summarize returns ErrUnavailable without calling the API when no key is
// configured or the transcript is shorter than the minimum word count.
func (c *OpenAIClient) Summarize(ctx context.Context, text string, customTerms []string) (Result, error) {
	if !c.Configured() {
		return Result{}, fmt.Errorf("%w: no api key", ErrUnavailable)
	}
	if n := WordCount(text); n < c.minWords {
		return Result{}, fmt.Errorf("%w: transcript has %d words, need %d", ErrUnavailable, n, c.minWords)
	}

	prompt := fmt.Sprintf(AnalysisPrompt, text)
	if len(customTerms) > 0 {
		prompt += fmt.Sprintf(TermsPrompt, strings.Join(customTerms, ", "))
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.3,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return Result{}, fmt.Errorf("no choices in response")
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return Result{}, fmt.Errorf("failed to parse summary: %w (content: %s)", err, content)
	}
	if strings.TrimSpace(result.Summary) == "" {
		return Result{}, fmt.Errorf("summary missing in model output")
	}
	return result, nil
}

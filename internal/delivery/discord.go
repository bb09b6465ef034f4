package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	discordDescriptionLimit = 1900
	discordFieldLimit       = 1024
	colorRaw                = 0x8E8E93
	colorSummary            = 0x5865F2
)

// Discord posts session digests to Discord webhooks.
type Discord struct {
	username  string
	avatarURL string
	logger    *log.Logger
	client    *http.Client
}

type DiscordConfig struct {
	Username  string
	AvatarURL string
	Timeout   time.Duration
	Logger    *log.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Username == "" {
		cfg.Username = "DiscOmi"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Discord{
		username:  cfg.Username,
		avatarURL: cfg.AvatarURL,
		logger:    cfg.Logger,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

type discordMessage struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content,omitempty"`
	Embeds    []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// Deliver posts p synchronously. It does not retry; a non-2xx answer is
// returned as *StatusError.
func (d *Discord) Deliver(ctx context.Context, destination string, p Payload) error {
	if err := validateWebhook(destination); err != nil {
		return err
	}
	body, err := json.Marshal(d.message(p))
	if err != nil {
		return fmt.Errorf("discord: failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		d.logger.Printf("discord: webhook returned status %d for session %s", resp.StatusCode, p.SessionID)
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

func (d *Discord) message(p Payload) discordMessage {
	limit := p.MaxChars
	if limit <= 0 || limit > discordDescriptionLimit {
		limit = discordDescriptionLimit
	}
	anchor := p.Anchor
	if anchor.IsZero() {
		anchor = time.Now()
	}

	embed := discordEmbed{
		Title:       p.Title,
		Description: truncate(p.Body, limit),
		Color:       colorRaw,
		Timestamp:   anchor.UTC().Format(time.RFC3339),
		Footer:      &embedFooter{Text: "Session • " + p.SessionID},
		Fields: []embedField{
			{Name: "Started", Value: fmt.Sprintf("<t:%d:R>", p.StartedAt.Unix()), Inline: true},
			{Name: "Segments", Value: fmt.Sprintf("%d", p.FragmentCount), Inline: true},
		},
	}
	if p.Summarized {
		embed.Color = colorSummary
		if p.Category != "" {
			embed.Fields = append(embed.Fields, embedField{Name: "Category", Value: p.Category, Inline: true})
		}
		if p.Sentiment != "" {
			embed.Fields = append(embed.Fields, embedField{Name: "Sentiment", Value: p.Sentiment, Inline: true})
		}
		if len(p.Tasks) > 0 {
			lines := make([]string, 0, len(p.Tasks))
			for _, task := range p.Tasks {
				lines = append(lines, fmt.Sprintf("• %s (%s)", task.Text, priorityOrDefault(task.Priority)))
			}
			embed.Fields = append(embed.Fields, embedField{Name: "Tasks", Value: truncate(strings.Join(lines, "\n"), discordFieldLimit)})
		}
		if len(p.Ideas) > 0 {
			embed.Fields = append(embed.Fields, embedField{Name: "Ideas", Value: truncate("• "+strings.Join(p.Ideas, "\n• "), discordFieldLimit)})
		}
		if len(p.Entities) > 0 {
			embed.Fields = append(embed.Fields, embedField{Name: "Mentioned", Value: truncate(strings.Join(p.Entities, ", "), discordFieldLimit)})
		}
		if p.IncludeTranscript && p.Transcript != "" {
			embed.Fields = append(embed.Fields, embedField{Name: "Transcript", Value: truncate(p.Transcript, discordFieldLimit)})
		}
	}
	return discordMessage{
		Username:  d.username,
		AvatarURL: d.avatarURL,
		Embeds:    []discordEmbed{embed},
	}
}

// ValidWebhookURL reports whether raw looks like a Discord webhook URL.
func ValidWebhookURL(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "https://discord.com/api/webhooks/") ||
		strings.HasPrefix(strings.TrimSpace(raw), "https://discordapp.com/api/webhooks/")
}

func validateWebhook(destination string) error {
	u, err := url.Parse(strings.TrimSpace(destination))
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("discord: invalid destination %q", destination)
	}
	return nil
}

func priorityOrDefault(p string) string {
	if p == "" {
		return "medium"
	}
	return p
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

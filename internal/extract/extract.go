// Package extract pulls transcript fragments out of the capture client's
// webhook bodies. The producer's schema has drifted across versions, so each
// field is found by trying an ordered list of JSON paths and taking the first
// non-empty match.
package extract

import (
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/antoniostano/discomi/internal/session"
)

var ErrInvalidPayload = errors.New("payload is not valid JSON")

// Rule names a field and the gjson paths tried for it, in priority order.
type Rule struct {
	Field string
	Paths []string
}

// Extractor applies rules to one payload.
type Extractor struct {
	Segments  Rule
	Text      Rule
	Timestamp Rule
	Speaker   Rule
	UserID    Rule
}

// Default returns the rules for every body shape the capture client has sent.
func Default() *Extractor {
	return &Extractor{
		Segments: Rule{Field: "segments", Paths: []string{
			"segments", "transcript_segments", "data.segments", "memory.transcript_segments", "conversation.segments",
		}},
		Text: Rule{Field: "text", Paths: []string{
			"text", "content", "transcript", "memory.text", "memory.content",
			"conversation.summary", "message", "data.text",
		}},
		Timestamp: Rule{Field: "timestamp", Paths: []string{
			"timestamp", "created_at", "createdAt", "time", "memory.created_at", "conversation.created_at",
		}},
		Speaker: Rule{Field: "speaker", Paths: []string{
			"speaker", "speaker_name", "user.name", "author",
		}},
		UserID: Rule{Field: "uid", Paths: []string{
			"uid", "user_id", "userId", "user.id",
		}},
	}
}

// First returns the first non-empty string value among the rule's paths.
func (r Rule) First(doc gjson.Result) string {
	for _, p := range r.Paths {
		v := doc.Get(p)
		if !v.Exists() {
			continue
		}
		switch v.Type {
		case gjson.String, gjson.Number:
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// Fragments returns every fragment carried by body. A body may be an array
// of segments, an object holding a segments array, or a single
// segment-shaped object. Segments without text are skipped.
func (e *Extractor) Fragments(body []byte) ([]session.Fragment, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidPayload
	}
	doc := gjson.ParseBytes(body)

	var items []gjson.Result
	switch {
	case doc.IsArray():
		items = doc.Array()
	default:
		if segs := e.segmentArray(doc); segs != nil {
			items = segs
		} else {
			items = []gjson.Result{doc}
		}
	}

	out := make([]session.Fragment, 0, len(items))
	for _, item := range items {
		frag, ok := e.fragment(item)
		if ok {
			out = append(out, frag)
		}
	}
	return out, nil
}

// UserIDFrom finds a user identity inside the body, for producers that do
// not put it on the query string.
func (e *Extractor) UserIDFrom(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	return e.UserID.First(gjson.ParseBytes(body))
}

func (e *Extractor) segmentArray(doc gjson.Result) []gjson.Result {
	for _, p := range e.Segments.Paths {
		v := doc.Get(p)
		if v.IsArray() {
			return v.Array()
		}
	}
	return nil
}

func (e *Extractor) fragment(item gjson.Result) (session.Fragment, bool) {
	var text string
	if item.Type == gjson.String {
		text = strings.TrimSpace(item.String())
	} else {
		text = e.Text.First(item)
	}
	if text == "" {
		return session.Fragment{}, false
	}
	frag := session.Fragment{
		Text:    text,
		Speaker: e.Speaker.First(item),
	}
	if ts, ok := parseTimestamp(e.Timestamp, item); ok {
		frag.Timestamp = &ts
	}
	return frag, true
}

func parseTimestamp(rule Rule, item gjson.Result) (time.Time, bool) {
	for _, p := range rule.Paths {
		v := item.Get(p)
		switch v.Type {
		case gjson.Number:
			n := v.Int()
			if n <= 0 {
				continue
			}
			// Values past year 33658 in seconds are milliseconds.
			if n > 1e12 {
				return time.UnixMilli(n).UTC(), true
			}
			return time.Unix(n, 0).UTC(), true
		case gjson.String:
			raw := strings.TrimSpace(v.String())
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
				if ts, err := time.Parse(layout, raw); err == nil {
					return ts.UTC(), true
				}
			}
		}
	}
	return time.Time{}, false
}

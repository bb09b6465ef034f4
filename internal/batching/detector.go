package batching

import (
	"strings"

	"github.com/antoniostano/discomi/internal/session"
)

// Detector decides early completion from the text of a newly appended
// fragment. Idle and size triggers live elsewhere.
type Detector struct {
	keywords []string
}

func NewDetector(storeKeywords []string) *Detector {
	return &Detector{keywords: normalizeKeywords(storeKeywords)}
}

// ShouldFlush reports whether frag contains a configured store keyword or one
// of the extra per-user keywords, ignoring case.
func (d *Detector) ShouldFlush(frag session.Fragment, extra ...string) bool {
	text := strings.ToLower(frag.Text)
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, kw := range d.keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	for _, kw := range normalizeKeywords(extra) {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// IsStartFresh reports whether frag asks for a new session.
func (d *Detector) IsStartFresh(frag session.Fragment, startKeyword string) bool {
	kw := strings.ToLower(strings.TrimSpace(startKeyword))
	if kw == "" {
		return false
	}
	return strings.Contains(strings.ToLower(frag.Text), kw)
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

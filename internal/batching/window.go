package batching

import (
	"strings"
	"time"

	"github.com/antoniostano/discomi/internal/session"
)

// SelectWindow picks the fragments to deliver from s. It applies two filters
// to the arrival-ordered fragments and keeps whichever leaves fewer:
// fragments stamped within lookback of now, and the last count fragments.
// A fragment without its own timestamp is dated by the session's last
// activity. When that leaves nothing, the last fallback fragments are used,
// so a non-empty session never yields an empty window.
func SelectWindow(s session.Session, now time.Time, lookback time.Duration, count, fallback int) []session.Fragment {
	frags := s.Fragments
	if len(frags) == 0 {
		return nil
	}

	cutoff := now.Add(-lookback)
	recent := make([]session.Fragment, 0, len(frags))
	for _, f := range frags {
		ts := s.LastFragmentAt
		if f.Timestamp != nil {
			ts = *f.Timestamp
		}
		if !ts.Before(cutoff) {
			recent = append(recent, f)
		}
	}

	tail := frags
	if count > 0 && len(tail) > count {
		tail = tail[len(tail)-count:]
	}

	chosen := tail
	if len(recent) < len(tail) {
		chosen = recent
	}
	if len(chosen) == 0 {
		n := fallback
		if n <= 0 || n > len(frags) {
			n = len(frags)
		}
		chosen = frags[len(frags)-n:]
	}
	return append([]session.Fragment(nil), chosen...)
}

// Assemble joins the trimmed fragment texts in arrival order, dropping
// empty ones.
func Assemble(frags []session.Fragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if text := strings.TrimSpace(f.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

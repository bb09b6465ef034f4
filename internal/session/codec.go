package session

import (
	"encoding/json"
	"fmt"
)

func decodeFragments(raw []byte, out *Session) error {
	if len(raw) == 0 {
		out.Fragments = []Fragment{}
		return nil
	}
	var fragments []Fragment
	if err := json.Unmarshal(raw, &fragments); err != nil {
		return fmt.Errorf("%w: session %s fragments: %v", ErrMalformed, out.ID, err)
	}
	out.Fragments = nonNilFragments(fragments)
	return nil
}

// normalizeLoaded converts timestamps to UTC and rejects records that break
// the session invariants.
func normalizeLoaded(s Session) (Session, error) {
	s.CreatedAt = s.CreatedAt.UTC()
	s.FirstFragmentAt = s.FirstFragmentAt.UTC()
	s.LastFragmentAt = s.LastFragmentAt.UTC()
	if s.ClosedAt != nil {
		t := s.ClosedAt.UTC()
		s.ClosedAt = &t
	}
	if s.FlushLeaseUntil != nil {
		t := s.FlushLeaseUntil.UTC()
		s.FlushLeaseUntil = &t
	}
	if err := s.Validate(); err != nil {
		return Session{ID: s.ID}, err
	}
	return s, nil
}

func nonNilFragments(in []Fragment) []Fragment {
	if in == nil {
		return []Fragment{}
	}
	return in
}

// splitDelivered separates the fragments covered by a flush from the ones
// that arrived after its snapshot.
func splitDelivered(fragments []Fragment, delivered int) (kept, late []Fragment) {
	if delivered < 0 || delivered > len(fragments) {
		delivered = len(fragments)
	}
	kept = nonNilFragments(append([]Fragment(nil), fragments[:delivered]...))
	late = append([]Fragment(nil), fragments[delivered:]...)
	return kept, late
}

package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps sessions in process memory. It is used when no
// database is configured and in tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	sessionByUser map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:      make(map[string]*Session),
		sessionByUser: make(map[string]string),
	}
}

func (m *InMemoryStore) Get(_ context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *clone(s), nil
}

func (m *InMemoryStore) ActiveForUser(_ context.Context, userID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *clone(m.sessions[id]), nil
}

func (m *InMemoryStore) Create(_ context.Context, s Session) (Session, bool, error) {
	if err := s.Validate(); err != nil {
		return Session{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.sessionByUser[s.UserID]; ok {
		return *clone(m.sessions[id]), false, nil
	}
	if _, exists := m.sessions[s.ID]; exists {
		return Session{}, false, ErrConflict
	}
	stored := clone(&s)
	m.sessions[s.ID] = stored
	if !s.Closed {
		m.sessionByUser[s.UserID] = s.ID
	}
	return *clone(stored), true, nil
}

func (m *InMemoryStore) Append(_ context.Context, sessionID string, frag Fragment, at time.Time, maxFragments int) (Session, error) {
	at = at.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Closed {
		return Session{}, ErrClosed
	}
	if maxFragments > 0 && len(s.Fragments) >= maxFragments {
		return Session{}, ErrFull
	}
	if len(s.Fragments) == 0 {
		s.FirstFragmentAt = maxTime(s.CreatedAt, at)
	}
	s.Fragments = append(s.Fragments, frag)
	s.LastFragmentAt = maxTime(maxTime(s.LastFragmentAt, at), s.FirstFragmentAt)
	return *clone(s), nil
}

func (m *InMemoryStore) ClaimFlush(_ context.Context, sessionID string, now, until time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Closed {
		return Session{}, ErrClosed
	}
	if s.Leased(now) {
		return Session{}, ErrClaimed
	}
	lease := until.UTC()
	s.FlushLeaseUntil = &lease
	return *clone(s), nil
}

func (m *InMemoryStore) ReleaseFlush(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.FlushLeaseUntil = nil
	s.FlushAttempts++
	return nil
}

func (m *InMemoryStore) Complete(_ context.Context, sessionID string, delivered int, at time.Time, reason CloseReason, carryID string) (Closure, error) {
	at = at.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Closure{}, ErrNotFound
	}
	if s.Closed {
		return Closure{}, nil
	}
	if delivered < 0 || delivered > len(s.Fragments) {
		delivered = len(s.Fragments)
	}
	late := append([]Fragment(nil), s.Fragments[delivered:]...)
	s.Fragments = s.Fragments[:delivered]
	closedAt := maxTime(at, s.LastFragmentAt)
	s.Closed = true
	s.ClosedAt = &closedAt
	s.CloseReason = reason
	s.FlushLeaseUntil = nil
	delete(m.sessionByUser, s.UserID)

	closure := Closure{Closed: true}
	if len(late) > 0 && carryID != "" {
		carried := New(carryID, s.UserID, s.LastFragmentAt)
		carried.Fragments = late
		m.sessions[carryID] = &carried
		m.sessionByUser[s.UserID] = carryID
		closure.CarryOverID = carryID
	}
	return closure, nil
}

func (m *InMemoryStore) Abandon(_ context.Context, sessionID string, at time.Time, reason CloseReason) (bool, error) {
	at = at.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if s.Closed || s.Leased(at) {
		return false, nil
	}
	closedAt := maxTime(at, s.LastFragmentAt)
	s.Closed = true
	s.ClosedAt = &closedAt
	s.CloseReason = reason
	s.FlushLeaseUntil = nil
	delete(m.sessionByUser, s.UserID)
	return true, nil
}

func (m *InMemoryStore) ListIdle(_ context.Context, before time.Time, limit int) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.Closed || !s.LastFragmentAt.Before(before) {
			continue
		}
		out = append(out, *clone(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FlushAttempts != out[j].FlushAttempts {
			return out[i].FlushAttempts < out[j].FlushAttempts
		}
		return out[i].LastFragmentAt.Before(out[j].LastFragmentAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemoryStore) PurgeClosed(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, s := range m.sessions {
		if !s.Closed || s.ClosedAt == nil || !s.ClosedAt.Before(before) {
			continue
		}
		delete(m.sessions, id)
		purged++
	}
	return purged, nil
}

func (m *InMemoryStore) CountOpen(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessionByUser), nil
}

func (m *InMemoryStore) Close() error {
	return nil
}

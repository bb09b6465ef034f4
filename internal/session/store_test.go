package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

var storeBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func storeBackends(t *testing.T) map[string]storeFactory {
	t.Helper()
	backends := map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			path := filepath.Join(t.TempDir(), "sessions.db")
			s, err := NewSQLiteStore(context.Background(), "sqlite:"+path)
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		backends["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), url)
			if err != nil {
				t.Fatalf("NewPostgresStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return backends
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeBackends(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func testUser() string {
	return "user-" + uuid.NewString()[:8]
}

func mustCreate(t *testing.T, s Store, userID string, at time.Time) Session {
	t.Helper()
	created, ok, err := s.Create(context.Background(), New(userID+"_"+uuid.NewString()[:8], userID, at))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !ok {
		t.Fatalf("Create() created = false, want true")
	}
	return created
}

func mustAppend(t *testing.T, s Store, id, text string, at time.Time) Session {
	t.Helper()
	updated, err := s.Append(context.Background(), id, Fragment{Text: text}, at, 200)
	if err != nil {
		t.Fatalf("Append(%q) error = %v", text, err)
	}
	return updated
}

func TestStoreCreateIsInsertIfAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := testUser()
		first := mustCreate(t, s, user, storeBase)

		second, created, err := s.Create(ctx, New(user+"_other", user, storeBase.Add(time.Second)))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if created {
			t.Fatalf("Create() created = true for user with open session")
		}
		if second.ID != first.ID {
			t.Fatalf("Create() returned %q, want existing %q", second.ID, first.ID)
		}

		active, err := s.ActiveForUser(ctx, user)
		if err != nil {
			t.Fatalf("ActiveForUser() error = %v", err)
		}
		if active.ID != first.ID {
			t.Fatalf("ActiveForUser() = %q, want %q", active.ID, first.ID)
		}
		if len(active.Fragments) != 0 {
			t.Fatalf("new session has %d fragments, want 0", len(active.Fragments))
		}
		if !active.CreatedAt.Equal(active.FirstFragmentAt) || !active.FirstFragmentAt.Equal(active.LastFragmentAt) {
			t.Fatalf("empty session timestamps differ: %+v", active)
		}
	})
}

func TestStoreConcurrentCreateKeepsOneOpenSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := testUser()

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ids     = map[string]struct{}{}
			created int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, ok, err := s.Create(ctx, New(user+"_"+uuid.NewString()[:8], user, storeBase))
				if err != nil {
					t.Errorf("Create() error = %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[out.ID] = struct{}{}
				if ok {
					created++
				}
			}()
		}
		wg.Wait()

		if created != 1 {
			t.Fatalf("created = %d, want exactly 1", created)
		}
		if len(ids) != 1 {
			t.Fatalf("callers saw %d distinct sessions, want 1", len(ids))
		}
	})
}

func TestStoreAppendMaintainsOrderAndTimestamps(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := testUser()
		sess := mustCreate(t, s, user, storeBase)

		mustAppend(t, s, sess.ID, "one", storeBase.Add(2*time.Second))
		// An older arrival time must not move last_fragment_at backwards.
		mustAppend(t, s, sess.ID, "two", storeBase.Add(time.Second))
		got := mustAppend(t, s, sess.ID, "three", storeBase.Add(5*time.Second))

		if len(got.Fragments) != 3 {
			t.Fatalf("fragments = %d, want 3", len(got.Fragments))
		}
		for i, want := range []string{"one", "two", "three"} {
			if got.Fragments[i].Text != want {
				t.Fatalf("fragment[%d] = %q, want %q", i, got.Fragments[i].Text, want)
			}
		}
		if !got.FirstFragmentAt.Equal(storeBase.Add(2 * time.Second)) {
			t.Fatalf("FirstFragmentAt = %v, want %v", got.FirstFragmentAt, storeBase.Add(2*time.Second))
		}
		if !got.LastFragmentAt.Equal(storeBase.Add(5 * time.Second)) {
			t.Fatalf("LastFragmentAt = %v, want %v", got.LastFragmentAt, storeBase.Add(5*time.Second))
		}

		stored, err := s.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if err := stored.Validate(); err != nil {
			t.Fatalf("stored session invalid: %v", err)
		}
	})
}

func TestStoreAppendEnforcesCapAndClosedState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := testUser()
		sess := mustCreate(t, s, user, storeBase)

		for i := 0; i < 2; i++ {
			if _, err := s.Append(ctx, sess.ID, Fragment{Text: "x"}, storeBase, 2); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
		}
		if _, err := s.Append(ctx, sess.ID, Fragment{Text: "overflow"}, storeBase, 2); !errors.Is(err, ErrFull) {
			t.Fatalf("Append() over cap error = %v, want ErrFull", err)
		}

		if _, err := s.Complete(ctx, sess.ID, 2, storeBase.Add(time.Minute), CloseFlushed, ""); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if _, err := s.Append(ctx, sess.ID, Fragment{Text: "late"}, storeBase, 200); !errors.Is(err, ErrClosed) {
			t.Fatalf("Append() to closed error = %v, want ErrClosed", err)
		}
		if _, err := s.Append(ctx, "missing-"+uuid.NewString(), Fragment{Text: "x"}, storeBase, 200); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Append() to missing error = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreClaimFlushIsExclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := mustCreate(t, s, testUser(), storeBase)
		mustAppend(t, s, sess.ID, "hello", storeBase)

		now := storeBase.Add(time.Minute)
		snap, err := s.ClaimFlush(ctx, sess.ID, now, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("ClaimFlush() error = %v", err)
		}
		if len(snap.Fragments) != 1 {
			t.Fatalf("snapshot fragments = %d, want 1", len(snap.Fragments))
		}
		if _, err := s.ClaimFlush(ctx, sess.ID, now.Add(time.Second), now.Add(2*time.Minute)); !errors.Is(err, ErrClaimed) {
			t.Fatalf("second ClaimFlush() error = %v, want ErrClaimed", err)
		}

		// An expired lease can be taken over.
		if _, err := s.ClaimFlush(ctx, sess.ID, now.Add(2*time.Minute), now.Add(3*time.Minute)); err != nil {
			t.Fatalf("ClaimFlush() after expiry error = %v", err)
		}
		if err := s.ReleaseFlush(ctx, sess.ID); err != nil {
			t.Fatalf("ReleaseFlush() error = %v", err)
		}
		if _, err := s.ClaimFlush(ctx, sess.ID, now.Add(2*time.Minute), now.Add(3*time.Minute)); err != nil {
			t.Fatalf("ClaimFlush() after release error = %v", err)
		}
	})
}

func TestStoreCompleteCarriesLateFragments(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := testUser()
		sess := mustCreate(t, s, user, storeBase)
		mustAppend(t, s, sess.ID, "a", storeBase.Add(time.Second))
		mustAppend(t, s, sess.ID, "b", storeBase.Add(2*time.Second))

		if _, err := s.ClaimFlush(ctx, sess.ID, storeBase.Add(time.Minute), storeBase.Add(2*time.Minute)); err != nil {
			t.Fatalf("ClaimFlush() error = %v", err)
		}
		// Arrives while the flush of the first two fragments is in flight.
		mustAppend(t, s, sess.ID, "c", storeBase.Add(70*time.Second))

		carryID := user + "_carry"
		closure, err := s.Complete(ctx, sess.ID, 2, storeBase.Add(75*time.Second), CloseFlushed, carryID)
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if !closure.Closed || closure.CarryOverID != carryID {
			t.Fatalf("Complete() = %+v, want closed with carry %q", closure, carryID)
		}

		closed, err := s.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !closed.Closed || closed.ClosedAt == nil || closed.CloseReason != CloseFlushed {
			t.Fatalf("closed session = %+v", closed)
		}
		if len(closed.Fragments) != 2 {
			t.Fatalf("closed session fragments = %d, want 2", len(closed.Fragments))
		}

		active, err := s.ActiveForUser(ctx, user)
		if err != nil {
			t.Fatalf("ActiveForUser() error = %v", err)
		}
		if active.ID != carryID || len(active.Fragments) != 1 || active.Fragments[0].Text != "c" {
			t.Fatalf("carry session = %+v", active)
		}

		again, err := s.Complete(ctx, sess.ID, 2, storeBase.Add(80*time.Second), CloseFlushed, user+"_again")
		if err != nil {
			t.Fatalf("second Complete() error = %v", err)
		}
		if again.Closed {
			t.Fatalf("second Complete() closed an already closed session")
		}
	})
}

func TestStoreAbandonRespectsLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := testUser()
		sess := mustCreate(t, s, user, storeBase)

		now := storeBase.Add(time.Hour)
		if _, err := s.ClaimFlush(ctx, sess.ID, now, now.Add(time.Minute)); err != nil {
			t.Fatalf("ClaimFlush() error = %v", err)
		}
		ok, err := s.Abandon(ctx, sess.ID, now, CloseAbandonedIdle)
		if err != nil {
			t.Fatalf("Abandon() error = %v", err)
		}
		if ok {
			t.Fatalf("Abandon() closed a leased session")
		}

		ok, err = s.Abandon(ctx, sess.ID, now.Add(2*time.Minute), CloseAbandonedIdle)
		if err != nil {
			t.Fatalf("Abandon() error = %v", err)
		}
		if !ok {
			t.Fatalf("Abandon() = false after lease expiry")
		}
		if _, err := s.ActiveForUser(ctx, user); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ActiveForUser() error = %v, want ErrNotFound", err)
		}
		got, err := s.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.CloseReason != CloseAbandonedIdle {
			t.Fatalf("CloseReason = %q, want %q", got.CloseReason, CloseAbandonedIdle)
		}
	})
}

func TestStoreListIdleAndPurge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := mustCreate(t, s, testUser(), storeBase)
		mustAppend(t, s, old.ID, "old", storeBase)
		older := mustCreate(t, s, testUser(), storeBase.Add(-time.Minute))
		mustAppend(t, s, older.ID, "older", storeBase.Add(-time.Minute))
		fresh := mustCreate(t, s, testUser(), storeBase.Add(time.Minute))
		mustAppend(t, s, fresh.ID, "fresh", storeBase.Add(time.Minute))

		idle, err := s.ListIdle(ctx, storeBase.Add(30*time.Second), 0)
		if err != nil {
			t.Fatalf("ListIdle() error = %v", err)
		}
		var ids []string
		for _, item := range idle {
			if item.ID == old.ID || item.ID == older.ID || item.ID == fresh.ID {
				ids = append(ids, item.ID)
			}
		}
		if len(ids) != 2 || ids[0] != older.ID || ids[1] != old.ID {
			t.Fatalf("ListIdle() ids = %v, want [%s %s]", ids, older.ID, old.ID)
		}

		if _, err := s.Complete(ctx, old.ID, 1, storeBase.Add(time.Minute), CloseFlushed, ""); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		purged, err := s.PurgeClosed(ctx, storeBase.Add(time.Minute))
		if err != nil {
			t.Fatalf("PurgeClosed() error = %v", err)
		}
		if purged != 0 {
			t.Fatalf("PurgeClosed() before retention = %d, want 0", purged)
		}
		purged, err = s.PurgeClosed(ctx, storeBase.Add(25*time.Hour))
		if err != nil {
			t.Fatalf("PurgeClosed() error = %v", err)
		}
		if purged < 1 {
			t.Fatalf("PurgeClosed() = %d, want at least 1", purged)
		}
		if _, err := s.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get() purged error = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, fresh.ID); err != nil {
			t.Fatalf("Get() open session after purge error = %v", err)
		}
	})
}

func TestStoreListIdleRanksFailedFlushesLast(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		failing := mustCreate(t, s, testUser(), storeBase.Add(-2*time.Hour))
		mustAppend(t, s, failing.ID, "undeliverable", storeBase.Add(-2*time.Hour))
		first := mustCreate(t, s, testUser(), storeBase.Add(-time.Hour))
		mustAppend(t, s, first.ID, "first", storeBase.Add(-time.Hour))
		second := mustCreate(t, s, testUser(), storeBase.Add(-time.Minute))
		mustAppend(t, s, second.ID, "second", storeBase.Add(-time.Minute))

		for i := 0; i < 2; i++ {
			now := storeBase.Add(time.Duration(i) * time.Minute)
			if _, err := s.ClaimFlush(ctx, failing.ID, now, now.Add(time.Minute)); err != nil {
				t.Fatalf("ClaimFlush() error = %v", err)
			}
			if err := s.ReleaseFlush(ctx, failing.ID); err != nil {
				t.Fatalf("ReleaseFlush() error = %v", err)
			}
		}
		got, err := s.Get(ctx, failing.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.FlushAttempts != 2 {
			t.Fatalf("FlushAttempts = %d, want 2", got.FlushAttempts)
		}

		idle, err := s.ListIdle(ctx, storeBase, 0)
		if err != nil {
			t.Fatalf("ListIdle() error = %v", err)
		}
		var ids []string
		for _, item := range idle {
			if item.ID == failing.ID || item.ID == first.ID || item.ID == second.ID {
				ids = append(ids, item.ID)
			}
		}
		want := []string{first.ID, second.ID, failing.ID}
		if len(ids) != len(want) {
			t.Fatalf("ListIdle() ids = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("ListIdle() ids = %v, want %v", ids, want)
			}
		}
	})
}

func TestValidateRejectsBrokenRecords(t *testing.T) {
	closedAt := storeBase
	cases := []Session{
		{UserID: "u", CreatedAt: storeBase, FirstFragmentAt: storeBase, LastFragmentAt: storeBase},
		{ID: "s", CreatedAt: storeBase, FirstFragmentAt: storeBase, LastFragmentAt: storeBase},
		{ID: "s", UserID: "u", CreatedAt: storeBase, FirstFragmentAt: storeBase.Add(-time.Second), LastFragmentAt: storeBase},
		{ID: "s", UserID: "u", CreatedAt: storeBase, FirstFragmentAt: storeBase, LastFragmentAt: storeBase.Add(-time.Second)},
		{ID: "s", UserID: "u", CreatedAt: storeBase, FirstFragmentAt: storeBase, LastFragmentAt: storeBase, Closed: true},
		{ID: "s", UserID: "u", CreatedAt: storeBase, FirstFragmentAt: storeBase, LastFragmentAt: storeBase, ClosedAt: &closedAt},
	}
	for i, tc := range cases {
		if err := tc.Validate(); !errors.Is(err, ErrMalformed) {
			t.Fatalf("case %d: Validate() error = %v, want ErrMalformed", i, err)
		}
	}
}

func TestSQLiteStoreRejectsMalformedFragments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := NewSQLiteStore(context.Background(), "sqlite:"+path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()

	ms := storeBase.UnixMilli()
	if _, err := s.db.Exec(
		`INSERT INTO transcript_sessions (id, user_id, fragments, fragment_count, created_at, first_fragment_at, last_fragment_at, closed)
		 VALUES ('broken', 'u', '{not json', 1, ?, ?, ?, 0)`,
		ms, ms, ms,
	); err != nil {
		t.Fatalf("seed error = %v", err)
	}

	if _, err := s.Get(context.Background(), "broken"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Get() error = %v, want ErrMalformed", err)
	}
	idle, err := s.ListIdle(context.Background(), storeBase.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListIdle() error = %v", err)
	}
	if len(idle) != 0 {
		t.Fatalf("ListIdle() returned malformed record: %+v", idle)
	}

	open, err := s.CountOpen(context.Background())
	if err != nil {
		t.Fatalf("CountOpen() error = %v", err)
	}
	if open != 0 {
		t.Fatalf("CountOpen() = %d, want malformed record closed", open)
	}
	var reason string
	if err := s.db.QueryRow(`SELECT close_reason FROM transcript_sessions WHERE id = 'broken'`).Scan(&reason); err != nil {
		t.Fatalf("read close_reason: %v", err)
	}
	if reason != string(CloseMalformed) {
		t.Fatalf("close_reason = %q, want %q", reason, CloseMalformed)
	}
	purged, err := s.PurgeClosed(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeClosed() error = %v", err)
	}
	if purged != 1 {
		t.Fatalf("PurgeClosed() = %d, want 1", purged)
	}
}

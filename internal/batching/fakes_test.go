package batching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/discomi/internal/delivery"
	"github.com/antoniostano/discomi/internal/session"
	"github.com/antoniostano/discomi/internal/summarize"
	"github.com/antoniostano/discomi/internal/users"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testWebhook = "https://discord.com/api/webhooks/1/token"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu        sync.Mutex
	err       error
	hang      bool
	attempts  int
	payloads  []delivery.Payload
	onDeliver func(p delivery.Payload)
}

func (g *fakeGateway) Deliver(ctx context.Context, destination string, p delivery.Payload) error {
	g.mu.Lock()
	hook := g.onDeliver
	hang := g.hang
	g.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	if hang {
		<-ctx.Done()
		g.mu.Lock()
		g.attempts++
		g.mu.Unlock()
		return ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	if destination == "" {
		return fmt.Errorf("empty destination")
	}
	if g.err != nil {
		return g.err
	}
	g.payloads = append(g.payloads, p)
	return nil
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *fakeGateway) delivered() []delivery.Payload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]delivery.Payload(nil), g.payloads...)
}

func (g *fakeGateway) setHang(hang bool) {
	g.mu.Lock()
	g.hang = hang
	g.mu.Unlock()
}

// fakeSummarizer blocks until its context ends when hang is set.
type fakeSummarizer struct {
	mu     sync.Mutex
	calls  int
	hang   bool
	result summarize.Result
	err    error
	terms  []string
}

func (s *fakeSummarizer) Summarize(ctx context.Context, _ string, terms []string) (summarize.Result, error) {
	s.mu.Lock()
	s.calls++
	s.terms = append([]string(nil), terms...)
	hang, result, err := s.hang, s.result, s.err
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return summarize.Result{}, ctx.Err()
	}
	return result, err
}

type harness struct {
	clock  *fakeClock
	store  *session.InMemoryStore
	dir    *users.InMemoryDirectory
	gw     *fakeGateway
	sum    *fakeSummarizer
	cfg    Config
	engine *Engine
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{now: testBase},
		store: session.NewInMemoryStore(),
		dir:   users.NewInMemoryDirectory(),
		gw:    &fakeGateway{},
		sum:   &fakeSummarizer{},
	}
	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	h.cfg = cfg.normalized()

	engine, err := NewEngine(cfg, Options{
		Store:      h.store,
		Directory:  h.dir,
		Gateway:    h.gw,
		Summarizer: h.sum,
		Now:        h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	h.engine = engine
	h.register(t, "u1")
	return h
}

func (h *harness) register(t *testing.T, userID string) {
	t.Helper()
	if _, err := h.dir.Upsert(context.Background(), users.Config{UserID: userID, WebhookURL: testWebhook}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func (h *harness) submit(t *testing.T, userID, text string) SubmitResult {
	t.Helper()
	res, err := h.engine.Submit(context.Background(), userID, session.Fragment{Text: text})
	if err != nil {
		t.Fatalf("Submit(%q) error = %v", text, err)
	}
	return res
}

func (h *harness) session(t *testing.T, id string) session.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return s
}

func stamped(text string, at time.Time) session.Fragment {
	at = at.UTC()
	return session.Fragment{Text: text, Timestamp: &at}
}

func usersConfig(userID string, terms ...string) users.Config {
	return users.Config{UserID: userID, WebhookURL: testWebhook, CustomTerms: terms}
}

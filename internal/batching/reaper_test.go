package batching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/discomi/internal/delivery"
	"github.com/antoniostano/discomi/internal/session"
)

func TestSweepFlushesIdleSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.submit(t, "u1", "talking about the weekend")

	h.clock.Advance(29 * time.Second)
	got, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Selected != 0 {
		t.Fatalf("Sweep() selected %d sessions before the flush timeout", got.Selected)
	}

	h.clock.Advance(2 * time.Second)
	got, err = h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Selected != 1 || got.Flushed != 1 || got.Failed != 0 {
		t.Fatalf("Sweep() = %+v, want one flushed session", got)
	}
	s := h.session(t, res.SessionID)
	if !s.Closed || s.CloseReason != session.CloseFlushed {
		t.Fatalf("session closed=%t reason=%q after sweep", s.Closed, s.CloseReason)
	}
	payloads := h.gw.delivered()
	if len(payloads) != 1 || payloads[0].Trigger != string(TriggerIdle) {
		t.Fatalf("delivered = %+v, want one idle flush", payloads)
	}
}

func TestSweepDeliveryFailureKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.submit(t, "u1", "this will not make it the first time")
	h.gw.setErr(&delivery.StatusError{Status: 500, Body: "oops"})

	h.clock.Advance(31 * time.Second)
	got, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Failed != 1 || got.Flushed != 0 {
		t.Fatalf("Sweep() = %+v, want one failure", got)
	}
	s := h.session(t, res.SessionID)
	if s.Closed || s.Leased(h.clock.Now()) {
		t.Fatalf("failed session closed=%t leased=%t, want open and unleased", s.Closed, s.Leased(h.clock.Now()))
	}

	h.gw.setErr(nil)
	h.clock.Advance(30 * time.Second)
	got, err = h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Flushed != 1 {
		t.Fatalf("retry Sweep() = %+v, want one flushed", got)
	}
	if !h.session(t, res.SessionID).Closed {
		t.Fatalf("session still open after successful retry")
	}
}

func TestSweepGivesUpOnHangingGateway(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DeliveryTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	res := h.submit(t, "u1", "the webhook never answers")
	h.gw.setHang(true)

	h.clock.Advance(31 * time.Second)
	started := time.Now()
	got, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("Sweep() took %v with a hanging gateway", elapsed)
	}
	if got.Failed != 1 || got.Flushed != 0 {
		t.Fatalf("Sweep() = %+v, want one failure", got)
	}
	s := h.session(t, res.SessionID)
	if s.Closed || s.Leased(h.clock.Now()) {
		t.Fatalf("session closed=%t leased=%t, want open and unleased", s.Closed, s.Leased(h.clock.Now()))
	}
}

func TestSweepReachesFreshSessionsPastFailingOnes(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SweepBatchSize = 1 })
	ctx := context.Background()
	h.register(t, "u2")
	h.submit(t, "u1", "older and undeliverable")
	h.clock.Advance(time.Minute)
	fresh := h.submit(t, "u2", "newer and deliverable")
	if err := h.dir.SetDisabled(ctx, "u1", true); err != nil {
		t.Fatalf("SetDisabled() error = %v", err)
	}

	h.clock.Advance(time.Minute)
	got, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("first Sweep() error = %v", err)
	}
	if got.Selected != 1 || got.Failed != 1 {
		t.Fatalf("first Sweep() = %+v, want the older session to fail", got)
	}

	got, err = h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if got.Selected != 1 || got.Flushed != 1 {
		t.Fatalf("second Sweep() = %+v, want the fresh session flushed", got)
	}
	payloads := h.gw.delivered()
	if len(payloads) != 1 || payloads[0].UserID != "u2" {
		t.Fatalf("delivered = %+v, want only u2", payloads)
	}
	if !h.session(t, fresh.SessionID).Closed {
		t.Fatalf("fresh session still open")
	}
}

func TestSweepClosesEmptySessionsWithoutDelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.submit(t, "u1", "   ")

	h.clock.Advance(time.Minute)
	got, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Skipped != 1 || h.gw.attempts != 0 {
		t.Fatalf("Sweep() = %+v attempts=%d, want skipped without delivery", got, h.gw.attempts)
	}
	if s := h.session(t, res.SessionID); !s.Closed || s.CloseReason != session.CloseAbandonedEmpty {
		t.Fatalf("session closed=%t reason=%q, want abandoned_empty", s.Closed, s.CloseReason)
	}
}

func TestSweepExpiresAndPurgesPastRetention(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.submit(t, "u1", "undeliverable")
	if err := h.dir.SetDisabled(ctx, "u1", true); err != nil {
		t.Fatalf("SetDisabled() error = %v", err)
	}

	h.clock.Advance(time.Minute)
	got, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Failed != 1 {
		t.Fatalf("Sweep() = %+v, want disabled user's session to fail", got)
	}

	h.clock.Advance(25 * time.Hour)
	got, err = h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Expired != 1 || h.gw.attempts != 0 {
		t.Fatalf("Sweep() = %+v attempts=%d, want one expired without delivery", got, h.gw.attempts)
	}
	if s := h.session(t, res.SessionID); !s.Closed || s.CloseReason != session.CloseExpired {
		t.Fatalf("session closed=%t reason=%q, want expired", s.Closed, s.CloseReason)
	}

	h.clock.Advance(25 * time.Hour)
	got, err = h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Purged != 1 {
		t.Fatalf("Sweep() = %+v, want one purged", got)
	}
	if _, err := h.store.Get(ctx, res.SessionID); err == nil {
		t.Fatalf("purged session still readable")
	}
}

func TestOverlappingSweepsDeliverOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.submit(t, "u1", "only once please")
	h.clock.Advance(31 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.gw.onDeliver = func(delivery.Payload) {
		once.Do(func() { close(entered) })
		<-release
	}

	firstDone := make(chan SweepResult, 1)
	go func() {
		res, err := h.engine.Sweep(ctx)
		if err != nil {
			t.Errorf("Sweep() error = %v", err)
		}
		firstDone <- res
	}()
	<-entered

	second, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if second.Skipped != 1 || second.Flushed != 0 {
		t.Fatalf("overlapping Sweep() = %+v, want the claimed session skipped", second)
	}
	close(release)

	first := <-firstDone
	if first.Flushed != 1 {
		t.Fatalf("first Sweep() = %+v, want one flushed", first)
	}
	if n := len(h.gw.delivered()); n != 1 {
		t.Fatalf("delivered %d payloads, want 1", n)
	}
}

func TestSweepIsolatesPerSessionFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "u2")
	h.submit(t, "u1", "first user")
	h.submit(t, "u2", "second user")
	if err := h.dir.SetDisabled(ctx, "u1", true); err != nil {
		t.Fatalf("SetDisabled() error = %v", err)
	}

	h.clock.Advance(time.Minute)
	got, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got.Selected != 2 || got.Flushed != 1 || got.Failed != 1 {
		t.Fatalf("Sweep() = %+v, want one flushed and one failed", got)
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
}

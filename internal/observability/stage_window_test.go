package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.setBudgets(map[string]time.Duration{"deliver": 800 * time.Millisecond, "enrich": 0})
	for _, ms := range []int{900, 500, 700} {
		w.observe("deliver", time.Duration(ms)*time.Millisecond)
	}
	w.observe("claim", 1500*time.Microsecond)
	w.count("carry_over")
	w.count("carry_over")
	w.count("  ")

	snap := w.snapshot()
	if snap.Capacity != 8 || len(snap.Stages) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Stages[0].Stage != "claim" || snap.Stages[0].LastMS != 1.5 {
		t.Fatalf("claim = %+v", snap.Stages[0])
	}

	got := snap.Stages[1]
	want := StageStats{
		Stage:      "deliver",
		Count:      3,
		Window:     3,
		LastMS:     700,
		MeanMS:     700,
		MedianMS:   700,
		P95MS:      900,
		MaxMS:      900,
		BudgetMS:   800,
		OverBudget: 1,
	}
	if got != want {
		t.Fatalf("deliver = %+v, want %+v", got, want)
	}
	if len(snap.Indicators) != 1 || snap.Indicators["carry_over"] != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestStageWindowEvictsOldest(t *testing.T) {
	w := newStageWindow(2)
	for _, ms := range []int{10, 20, 30} {
		w.observe("enrich", time.Duration(ms)*time.Millisecond)
	}
	w.observe("enrich", -time.Second)

	s := w.snapshot().Stages[0]
	if s.Count != 3 || s.Window != 2 {
		t.Fatalf("Count/Window = %d/%d, want 3/2", s.Count, s.Window)
	}
	if s.MeanMS != 25 || s.MedianMS != 20 || s.MaxMS != 30 {
		t.Fatalf("stats = %+v, want the 10ms sample evicted", s)
	}
	if s.BudgetMS != 0 || s.OverBudget != 0 {
		t.Fatalf("budget = %.2f/%d without a configured limit", s.BudgetMS, s.OverBudget)
	}
}

func TestNearestRank(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, 1},
		{0.5, 5},
		{0.95, 10},
		{0.91, 10},
		{1, 10},
	}
	for _, tt := range tests {
		if got := nearestRank(sorted, tt.p); got != tt.want {
			t.Fatalf("nearestRank(%.2f) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestMetricsObserveFlushStage(t *testing.T) {
	m := NewMetrics("test_observability_" + time.Now().Format("150405000000"))
	m.SetStageBudgets(map[string]time.Duration{"flush_total": time.Second})
	m.ObserveFlushStage("flush_total", 1500*time.Millisecond)
	m.ObserveIndicator("summarized")

	snap := m.FlushStageSnapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1500 || snap.Stages[0].OverBudget != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Indicators["summarized"] != 1 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveFlushStage("deliver", time.Second)
	nilMetrics.SetStageBudgets(map[string]time.Duration{"deliver": time.Second})
	if got := nilMetrics.FlushStageSnapshot(); len(got.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", got)
	}
}

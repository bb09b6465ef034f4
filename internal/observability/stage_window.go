package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageStats summarises the most recent durations of one flush stage.
type StageStats struct {
	Stage      string  `json:"stage"`
	Count      int64   `json:"count"`
	Window     int     `json:"window"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	MedianMS   float64 `json:"median_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type FlushStageSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Capacity    int            `json:"capacity"`
	Stages      []StageStats   `json:"stages"`
	Indicators  map[string]int `json:"indicators,omitempty"`
}

// stageWindow holds up to capacity recent durations per stage, oldest first.
type stageWindow struct {
	mu         sync.Mutex
	capacity   int
	budgets    map[string]time.Duration
	stages     map[string]*stageSamples
	indicators map[string]int
}

type stageSamples struct {
	recent []time.Duration
	total  int64
}

func (s *stageSamples) add(d time.Duration, capacity int) {
	if len(s.recent) == capacity {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:capacity-1]
	}
	s.recent = append(s.recent, d)
	s.total++
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity:   capacity,
		budgets:    make(map[string]time.Duration),
		stages:     make(map[string]*stageSamples),
		indicators: make(map[string]int),
	}
}

// setBudgets replaces the per-stage time limits reported next to the stats.
func (w *stageWindow) setBudgets(budgets map[string]time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.budgets = make(map[string]time.Duration, len(budgets))
	for stage, d := range budgets {
		if d > 0 {
			w.budgets[stage] = d
		}
	}
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stages[stage]
	if s == nil {
		s = &stageSamples{recent: make([]time.Duration, 0, w.capacity)}
		w.stages[stage] = s
	}
	s.add(d, w.capacity)
}

func (w *stageWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) snapshot() FlushStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := FlushStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		Capacity:    w.capacity,
		Stages:      make([]StageStats, 0, len(w.stages)),
	}
	for stage, s := range w.stages {
		out.Stages = append(out.Stages, summarizeStage(stage, s, w.budgets[stage]))
	}
	sort.Slice(out.Stages, func(i, j int) bool { return out.Stages[i].Stage < out.Stages[j].Stage })

	if len(w.indicators) > 0 {
		out.Indicators = make(map[string]int, len(w.indicators))
		for name, n := range w.indicators {
			out.Indicators[name] = n
		}
	}
	return out
}

func summarizeStage(stage string, s *stageSamples, budget time.Duration) StageStats {
	n := len(s.recent)
	sorted := append([]time.Duration(nil), s.recent...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	over := 0
	for _, d := range sorted {
		sum += d
		if budget > 0 && d > budget {
			over++
		}
	}
	return StageStats{
		Stage:      stage,
		Count:      s.total,
		Window:     n,
		LastMS:     millis(s.recent[n-1]),
		MeanMS:     millis(sum / time.Duration(n)),
		MedianMS:   millis(nearestRank(sorted, 0.50)),
		P95MS:      millis(nearestRank(sorted, 0.95)),
		MaxMS:      millis(sorted[n-1]),
		BudgetMS:   millis(budget),
		OverBudget: over,
	}
}

// nearestRank returns the smallest sample with at least p of the samples
// at or below it.
func nearestRank(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted))))
	rank = max(rank, 1)
	rank = min(rank, len(sorted))
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(10*time.Microsecond)) / 100
}

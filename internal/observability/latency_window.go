package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency stages recorded by the realtime controller and the HTTP API.
const (
	StageIssue              = "issue"
	StageNegotiate          = "negotiate"
	StageTransportOpen      = "transport_open"
	StageSessionCreated     = "session_created"
	StageConnectTotal       = "connect_total"
	StageCommitToFirstAudio = "commit_to_first_audio"
)

// pipeline lists the known stages in the order a session passes through
// them. A zero target means the stage is reported without a budget.
var pipeline = []struct {
	name        string
	targetP95MS float64
}{
	{StageIssue, 250},
	{StageNegotiate, 800},
	{StageTransportOpen, 1500},
	{StageSessionCreated, 0},
	{StageConnectTotal, 3000},
	{StageCommitToFirstAudio, 1400},
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	Total       int     `json:"total"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Counter struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Counters    []Counter    `json:"counters,omitempty"`
}

// LatencyWindow keeps the most recent samples per stage plus plain counters.
// Samples counts what is still in the window, Total everything ever observed.
type LatencyWindow struct {
	mu       sync.RWMutex
	size     int
	stages   map[string]*stageWindow
	counters map[string]int
}

type stageWindow struct {
	samples []float64
	total   int
	sum     float64
	last    float64
}

// add appends ms, overwriting the oldest sample once the window is full.
func (s *stageWindow) add(ms float64, size int) {
	if len(s.samples) < size {
		s.samples = append(s.samples, ms)
	} else {
		slot := s.total % size
		s.sum -= s.samples[slot]
		s.samples[slot] = ms
	}
	s.sum += ms
	s.last = ms
	s.total++
}

func (s *stageWindow) stats(name string) StageStats {
	sorted := slices.Clone(s.samples)
	slices.Sort(sorted)
	n := len(sorted)
	return StageStats{
		Stage:       name,
		Samples:     n,
		Total:       s.total,
		LastMS:      round2(s.last),
		AvgMS:       round2(s.sum / float64(n)),
		P50MS:       round2(percentile(sorted, 50)),
		P95MS:       round2(percentile(sorted, 95)),
		P99MS:       round2(percentile(sorted, 99)),
		TargetP95MS: targetP95MS(name),
	}
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{
		size:     size,
		stages:   make(map[string]*stageWindow, len(pipeline)),
		counters: make(map[string]int),
	}
}

func (w *LatencyWindow) Observe(stage string, d time.Duration) {
	w.ObserveMS(stage, float64(d)/float64(time.Millisecond))
}

func (w *LatencyWindow) ObserveMS(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.stages[stage]
	if s == nil {
		s = &stageWindow{samples: make([]float64, 0, w.size)}
		w.stages[stage] = s
	}
	s.add(ms, w.size)
}

func (w *LatencyWindow) Count(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counters[name]++
}

// Snapshot reports known stages in pipeline order, then any others by name.
func (w *LatencyWindow) Snapshot() LatencySnapshot {
	if w == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	stages := make([]StageStats, 0, len(w.stages))
	for _, p := range pipeline {
		if s := w.stages[p.name]; s != nil {
			stages = append(stages, s.stats(p.name))
		}
	}
	var extra []string
	for name := range w.stages {
		if !knownStage(name) {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	for _, name := range extra {
		stages = append(stages, w.stages[name].stats(name))
	}

	counters := make([]Counter, 0, len(w.counters))
	for name, n := range w.counters {
		counters = append(counters, Counter{Name: name, Count: n})
	}
	slices.SortFunc(counters, func(a, b Counter) int { return strings.Compare(a.Name, b.Name) })

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Counters:    counters,
	}
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.stages)
	clear(w.counters)
}

// percentile interpolates linearly between the two closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	switch n := len(sorted); {
	case n == 0:
		return 0
	case n == 1 || p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func knownStage(name string) bool {
	for _, p := range pipeline {
		if p.name == name {
			return true
		}
	}
	return false
}

func targetP95MS(stage string) float64 {
	for _, p := range pipeline {
		if p.name == stage {
			return p.targetP95MS
		}
	}
	return 0
}

package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Bridge latency stages.
const (
	StageCredential    = "credential_issue"
	StageUpstreamSetup = "upstream_setup"
	StageFirstAudio    = "input_end_to_first_audio"
	StageSession       = "session_total"
)

var stageBudgetsMS = map[string]float64{
	StageCredential:    400,
	StageUpstreamSetup: 1500,
	StageFirstAudio:    1200,
}

// StageStats summarizes the retained samples of one stage in milliseconds.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type IndicatorCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []StageStats     `json:"stages"`
	Indicators  []IndicatorCount `json:"indicators,omitempty"`
}

// sampleRing keeps the newest cap(buf) samples.
type sampleRing struct {
	buf  []float64
	head int
	last float64
}

func (r *sampleRing) push(v float64, limit int) {
	r.last = v
	if len(r.buf) < limit {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % limit
}

func (r *sampleRing) stats(stage string) StageStats {
	sorted := slices.Clone(r.buf)
	slices.Sort(sorted)
	var total float64
	for _, v := range sorted {
		total += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(r.last),
		AvgMS:       round2(total / float64(len(sorted))),
		P50MS:       round2(percentile(sorted, 50)),
		P95MS:       round2(percentile(sorted, 95)),
		P99MS:       round2(percentile(sorted, 99)),
		TargetP95MS: stageBudgetsMS[stage],
	}
}

// latencyWindow is the rolling per-stage latency view served on
// /v1/perf/latency, next to counters for notable events.
type latencyWindow struct {
	mu     sync.Mutex
	limit  int
	rings  map[string]*sampleRing
	counts map[string]int
}

func newLatencyWindow(limit int) *latencyWindow {
	if limit <= 0 {
		limit = 256
	}
	w := &latencyWindow{limit: limit}
	w.Reset()
	return w
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{}
		w.rings[stage] = r
	}
	r.push(ms, w.limit)
}

func (w *latencyWindow) Count(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = map[string]*sampleRing{}
	w.counts = map[string]int{}
}

func (w *latencyWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.limit,
		Stages:      []StageStats{},
	}
	for _, stage := range sortedKeys(w.rings) {
		if r := w.rings[stage]; len(r.buf) > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	for _, name := range sortedKeys(w.counts) {
		snap.Indicators = append(snap.Indicators, IndicatorCount{Name: name, Count: w.counts[name]})
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n == 1 || p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	lo := int(rank)
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(rank-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

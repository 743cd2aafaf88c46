// Package progress tracks per-stage tile counts, rate and ETA for a run.
package progress

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
)

type StageSnapshot struct {
	Stage    string         `json:"stage"`
	Done     int            `json:"done"`
	Total    int            `json:"total"`
	Outcomes map[string]int `json:"outcomes"`
	Rate     float64        `json:"rate_per_sec"`
	ETA      time.Duration  `json:"eta_ns"`
	Started  time.Time      `json:"started"`
}

type stageState struct {
	done     int
	total    int
	outcomes map[string]int
	started  time.Time
	lastLog  time.Time
}

// Reporter is safe for concurrent use. A nil *Reporter ignores all calls.
type Reporter struct {
	mu       sync.Mutex
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time
	stages   map[string]*stageState
	order    []string
}

func New(log *slog.Logger, interval time.Duration) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		log:      log,
		interval: interval,
		now:      time.Now,
		stages:   map[string]*stageState{},
	}
}

// Start resets stage and sets how many ticks it expects.
func (r *Reporter) Start(stage string, total int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[stage]; !ok {
		r.order = append(r.order, stage)
	}
	now := r.now()
	r.stages[stage] = &stageState{total: total, outcomes: map[string]int{}, started: now, lastLog: now}
	observability.SetProgress(stage, 0, total)
	r.log.Info("stage started", "stage", stage, "total", total)
}

// Tick records one finished tile for stage.
func (r *Reporter) Tick(stage, outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stages[stage]
	if !ok {
		st = &stageState{outcomes: map[string]int{}, started: r.now()}
		r.stages[stage] = st
		r.order = append(r.order, stage)
	}
	st.done++
	st.outcomes[outcome]++
	observability.SetProgress(stage, st.done, st.total)

	now := r.now()
	finished := st.total > 0 && st.done >= st.total
	if !finished && now.Sub(st.lastLog) < r.interval {
		return
	}
	st.lastLog = now
	snap := snapshot(stage, st, now)
	r.log.Info("progress",
		"stage", stage,
		"done", snap.Done,
		"total", snap.Total,
		"rate", snap.Rate,
		"eta", snap.ETA.Round(time.Second),
	)
}

func (r *Reporter) Snapshot() []StageSnapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]StageSnapshot, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, snapshot(name, r.stages[name], now))
	}
	return out
}

func snapshot(name string, st *stageState, now time.Time) StageSnapshot {
	s := StageSnapshot{
		Stage:    name,
		Done:     st.done,
		Total:    st.total,
		Outcomes: maps.Clone(st.outcomes),
		Started:  st.started,
	}
	if elapsed := now.Sub(st.started).Seconds(); elapsed > 0 && st.done > 0 {
		s.Rate = float64(st.done) / elapsed
		if remaining := st.total - st.done; remaining > 0 {
			s.ETA = time.Duration(float64(remaining) / s.Rate * float64(time.Second))
		}
	}
	return s
}

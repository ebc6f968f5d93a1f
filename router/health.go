package router

import (
	"sync"
	"time"
)

// BackendHealth is the tracked state of one backend.
type BackendHealth struct {
	Healthy      bool
	SuccessRate  float64
	AvgLatencyMs int
	LastError    string
	UpdatedAt    time.Time
}

// healthTracker keeps per-backend health observations from both the
// periodic probes and live call outcomes. Success rate and latency are
// exponential moving averages.
type healthTracker struct {
	mu    sync.RWMutex
	state map[string]*BackendHealth
}

const ewmaAlpha = 0.3

func newHealthTracker() *healthTracker {
	return &healthTracker{state: make(map[string]*BackendHealth)}
}

// Alive reports whether a backend is worth calling. Unknown backends
// are presumed alive so a fresh router does not skip everything.
func (t *healthTracker) Alive(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.state[name]
	if !ok {
		return true
	}
	return h.Healthy
}

func (t *healthTracker) observe(name string, success bool, latency time.Duration, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.state[name]
	if !ok {
		h = &BackendHealth{SuccessRate: 1}
		t.state[name] = h
	}

	sample := 0.0
	if success {
		sample = 1.0
	}
	h.SuccessRate = h.SuccessRate*(1-ewmaAlpha) + sample*ewmaAlpha
	if latency > 0 {
		ms := int(latency.Milliseconds())
		if h.AvgLatencyMs == 0 {
			h.AvgLatencyMs = ms
		} else {
			h.AvgLatencyMs = int(float64(h.AvgLatencyMs)*(1-ewmaAlpha) + float64(ms)*ewmaAlpha)
		}
	}
	h.Healthy = success
	h.LastError = errMsg
	h.UpdatedAt = time.Now()
}

// MarkSuccess records a successful call.
func (t *healthTracker) MarkSuccess(name string, latency time.Duration) {
	t.observe(name, true, latency, "")
}

// MarkFailure records a failed call or probe.
func (t *healthTracker) MarkFailure(name string, latency time.Duration, errMsg string) {
	t.observe(name, false, latency, errMsg)
}

// Snapshot returns a copy of the tracked state for reporting.
func (t *healthTracker) Snapshot() map[string]BackendHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]BackendHealth, len(t.state))
	for name, h := range t.state {
		out[name] = *h
	}
	return out
}

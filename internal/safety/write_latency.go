package safety

import (
	"context"
	"sort"
	"sync"
)

// WriteLatencyMonitor tracks a rolling p95 of write durations per table
// and blocks mutations on a table whose p95 exceeds a ceiling.
type WriteLatencyMonitor struct {
	ceilingMs float64
	window    int

	mu      sync.Mutex
	samples map[string][]float64
}

// NewWriteLatencyMonitor builds a monitor keeping up to window recent
// samples per table.
func NewWriteLatencyMonitor(ceilingMs float64, window int) *WriteLatencyMonitor {
	return &WriteLatencyMonitor{ceilingMs: ceilingMs, window: window, samples: make(map[string][]float64)}
}

// RecordWrite feeds one observed write duration for table, reported by
// internal/executor.
func (m *WriteLatencyMonitor) RecordWrite(table string, durationMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := append(m.samples[table], durationMs)
	if len(s) > m.window {
		s = s[len(s)-m.window:]
	}
	m.samples[table] = s
}

func (m *WriteLatencyMonitor) p95(table string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.samples[table]
	if len(s) < 5 {
		return 0, false
	}
	sorted := append([]float64(nil), s...)
	sort.Float64s(sorted)
	return sorted[int(float64(len(sorted))*0.95)], true
}

func (m *WriteLatencyMonitor) Name() string { return "write_latency_monitor" }

func (m *WriteLatencyMonitor) Admit(ctx context.Context, req Request) (bool, string) {
	p95, ok := m.p95(req.Table)
	if !ok {
		return true, ""
	}
	if p95 > m.ceilingMs {
		return false, "write p95 exceeds ceiling"
	}
	return true, ""
}

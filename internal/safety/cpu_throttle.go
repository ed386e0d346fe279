// CPUThrottle samples system CPU on a background ticker and admits
// nothing CPU-intensive while it is above threshold, grounded on
// aristath-sentinel's use of gopsutil's cpu.Percent for system load
// checks.
package safety

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUThrottle is the C7 CPU gate.
type CPUThrottle struct {
	thresholdPct float64
	cooldown     time.Duration

	mu          sync.Mutex
	lastTripped time.Time
	current     atomic.Uint64 // percent*100, lock-free read path

	stopCh chan struct{}
}

// NewCPUThrottle builds a gate sampling every sampleInterval.
func NewCPUThrottle(thresholdPct float64, cooldown, sampleInterval time.Duration) *CPUThrottle {
	t := &CPUThrottle{thresholdPct: thresholdPct, cooldown: cooldown, stopCh: make(chan struct{})}
	go t.sampleLoop(sampleInterval)
	return t
}

func (t *CPUThrottle) sampleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			pcts, err := cpu.Percent(0, false)
			if err != nil || len(pcts) == 0 {
				continue
			}
			t.current.Store(uint64(pcts[0] * 100))
		}
	}
}

// Stop halts background sampling.
func (t *CPUThrottle) Stop() { close(t.stopCh) }

func (t *CPUThrottle) Name() string { return "cpu_throttle" }

func (t *CPUThrottle) Admit(ctx context.Context, req Request) (bool, string) {
	if !req.CPUIntensive {
		return true, ""
	}
	pct := float64(t.current.Load()) / 100
	t.mu.Lock()
	inCooldown := time.Since(t.lastTripped) < t.cooldown
	t.mu.Unlock()
	if inCooldown {
		return false, "cpu throttle cooldown active"
	}
	if pct >= t.thresholdPct {
		t.mu.Lock()
		t.lastTripped = time.Now()
		t.mu.Unlock()
		return false, "cpu above threshold"
	}
	return true, ""
}

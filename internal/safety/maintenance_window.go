package safety

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceWindow admits only inside a configurable weekly hour×day
// schedule; a Request with Emergency set bypasses it. The emergency
// override expression is parsed with robfig/cron/v3's five-field
// standard parser and stored, but Admit does not consult it.
type MaintenanceWindow struct {
	days       map[time.Weekday]bool
	startHour  int
	endHour    int
	emergency  cron.Schedule
	now        func() time.Time
}

// NewMaintenanceWindow builds a window from the weekly day/hour table
// plus an emergency cron expression. An invalid expression leaves the
// stored schedule nil rather than failing startup; Request.Emergency
// still bypasses the window either way.
func NewMaintenanceWindow(days []time.Weekday, startHour, endHour int, emergencyCron string) *MaintenanceWindow {
	dayset := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		dayset[d] = true
	}
	sched, _ := cron.ParseStandard(emergencyCron)
	return &MaintenanceWindow{days: dayset, startHour: startHour, endHour: endHour, emergency: sched, now: time.Now}
}

func (w *MaintenanceWindow) Name() string { return "maintenance_window" }

func (w *MaintenanceWindow) Admit(ctx context.Context, req Request) (bool, string) {
	if req.Emergency {
		return true, "emergency override"
	}
	now := w.now()
	if w.insideWindow(now) {
		return true, ""
	}
	return false, "outside maintenance window"
}

func (w *MaintenanceWindow) insideWindow(now time.Time) bool {
	if !w.days[now.Weekday()] {
		return false
	}
	h := now.Hour()
	if w.startHour <= w.endHour {
		return h >= w.startHour && h < w.endHour
	}
	// wraps past midnight
	return h >= w.startHour || h < w.endHour
}

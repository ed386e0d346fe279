package supervisor

import (
	"sync"
	"time"

	"github.com/indexwarden/indexwarden/internal/config"
)

// BypassScope is one of the four bypass surfaces the operator can
// exercise: a single feature (one algorithm layer or gate), a whole
// module (e.g. the interceptor), the entire system (emergency pause),
// or the one-shot startup-time bypass used when a non-critical
// component fails to initialize.
type BypassScope string

const (
	BypassFeature BypassScope = "feature"
	BypassModule  BypassScope = "module"
	BypassSystem  BypassScope = "system"
	BypassStartup BypassScope = "startup"
)

type bypassEntry struct {
	active    bool
	expiresAt time.Time // zero means no auto-recover
}

// BypassControl tracks active bypasses per scope and name, with an
// optional auto-recover TTL per scope: a bypass can either auto-recover
// after a configured TTL or stay manual until explicitly cleared.
type BypassControl struct {
	mu          sync.Mutex
	entries     map[BypassScope]map[string]*bypassEntry
	autoRecover map[BypassScope]time.Duration
}

// NewBypassControl builds a control surface with per-scope auto-recover
// TTLs drawn from cfg (zero disables auto-recover for that scope).
func NewBypassControl(cfg config.BypassConfig) *BypassControl {
	return &BypassControl{
		entries: map[BypassScope]map[string]*bypassEntry{
			BypassFeature: {}, BypassModule: {}, BypassSystem: {}, BypassStartup: {},
		},
		autoRecover: map[BypassScope]time.Duration{
			BypassFeature: cfg.FeatureAutoRecover,
			BypassModule:  cfg.ModuleAutoRecover,
			BypassSystem:  cfg.SystemAutoRecover,
			BypassStartup: cfg.StartupAutoRecover,
		},
	}
}

// Set activates or clears a bypass for (scope, name). name is the
// feature/module identifier for BypassFeature/BypassModule, and ignored
// (pass "") for BypassSystem/BypassStartup, which are process-wide.
func (b *BypassControl) Set(scope BypassScope, name string, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !active {
		delete(b.entries[scope], name)
		return
	}
	entry := &bypassEntry{active: true}
	if ttl := b.autoRecover[scope]; ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.entries[scope][name] = entry
}

// IsBypassed reports whether (scope, name) is currently bypassed,
// auto-recovering (and clearing the entry) if its TTL has elapsed.
func (b *BypassControl) IsBypassed(scope BypassScope, name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[scope][name]
	if !ok {
		return false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(b.entries[scope], name)
		return false
	}
	return entry.active
}

// Active lists every currently-bypassed (scope, name) pair, for the
// operator-facing status surface.
func (b *BypassControl) Active() map[BypassScope][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[BypassScope][]string)
	now := time.Now()
	for scope, byName := range b.entries {
		for name, entry := range byName {
			if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
				continue
			}
			out[scope] = append(out[scope], name)
		}
	}
	return out
}

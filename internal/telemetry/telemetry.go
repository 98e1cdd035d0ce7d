// Package telemetry keeps in-process sync counters for the status command
// and the server health endpoint.
//
// Nothing in this package transmits data anywhere. Counters live in memory
// and reset when the process exits.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Counter names.
const (
	PushAttempts      = "sync.push.attempts"
	PushSucceeded     = "sync.push.succeeded"
	PushStale         = "sync.push.stale"
	PushLocked        = "sync.push.locked"
	PushedChanges     = "sync.push.changes"
	PullsStored       = "sync.pull.stored"
	PullsApplied      = "sync.pull.applied"
	PulledChanges     = "sync.pull.changes"
	ConflictsResolved = "sync.conflicts.resolved"
	RepairMerges      = "sync.repair.merges"
	SyncFailures      = "sync.failures"
	Reconnects        = "sync.reconnects"

	ServerApplied = "server.apply.succeeded"
	ServerStale   = "server.apply.stale"
	ServerLocked  = "server.apply.locked"
	ServerPulls   = "server.get_changes"
)

// Registry holds named counters and timings.
type Registry struct {
	mu      sync.Mutex
	counts  map[string]int64
	timings map[string]Timing
}

// Timing aggregates recorded durations.
type Timing struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Mean returns the average duration.
func (t Timing) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{counts: make(map[string]int64), timings: make(map[string]Timing)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// RecordCount adds delta to a counter.
func (r *Registry) RecordCount(name string, delta int64) {
	r.mu.Lock()
	r.counts[name] += delta
	r.mu.Unlock()
}

// RecordTiming records one duration.
func (r *Registry) RecordTiming(name string, d time.Duration) {
	r.mu.Lock()
	t := r.timings[name]
	t.Count++
	t.Total += d
	if d > t.Max {
		t.Max = d
	}
	r.timings[name] = t
	r.mu.Unlock()
}

// Count returns the current value of a counter.
func (r *Registry) Count(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// Snapshot copies all counters.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Timings copies all timings.
func (r *Registry) Timings() map[string]Timing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Timing, len(r.timings))
	for k, v := range r.timings {
		out[k] = v
	}
	return out
}

// Names returns the counter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counts))
	for k := range r.counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Reset clears everything.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.counts = make(map[string]int64)
	r.timings = make(map[string]Timing)
	r.mu.Unlock()
}

// =====================================================
// Default registry shortcuts
// =====================================================

// RecordCount adds delta to a counter of the default registry.
func RecordCount(name string, delta int64) {
	defaultRegistry.RecordCount(name, delta)
}

// Inc adds one to a counter of the default registry.
func Inc(name string) {
	defaultRegistry.RecordCount(name, 1)
}

// RecordTiming records a duration in the default registry.
func RecordTiming(name string, d time.Duration) {
	defaultRegistry.RecordTiming(name, d)
}

// Snapshot copies the default registry's counters.
func Snapshot() map[string]int64 {
	return defaultRegistry.Snapshot()
}

// Package metrics collects process-wide counters and gauges and
// samples memory pressure. Writers are many (dispatcher, adapter,
// pipeline, control plane); reads happen on snapshot for the /metrics
// and /api/overview endpoints.
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/orcabot/orcabot/internal/buildinfo"
)

// Counter and gauge names used across components. The names appear
// verbatim in the /metrics JSON document.
const (
	EventsReceived     = "events.received"
	EventsDeduplicated = "events.deduplicated"
	EventsBlocked      = "events.blocked"
	EventsDropped      = "events.dropped"
	MessagesReceived   = "messages.received"
	MessagesSent       = "messages.sent"
	ErrorsHandler      = "errors.handler"
	ErrorsTransport    = "errors.transport"
	ErrorsStore        = "errors.store"
	LLMCalls           = "llm.calls"
	LLMErrors          = "llm.errors"
	Reconnects         = "transport.reconnects"
	MemoryPressure     = "memory.pressure_events"
	SafetyBlocks       = "safety_blocks_count"

	HandlersActive = "handlers.active"
)

// Registry is a concurrency-safe set of named counters and gauges.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
	started  time.Time
}

// NewRegistry returns an empty Registry with the uptime clock started.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		started:  time.Now(),
	}
}

// Inc adds one to the named counter.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds delta to the named counter, creating it at zero first.
func (r *Registry) Add(name string, delta int64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Counter returns the current value of the named counter.
func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// SetGauge records the current value of the named gauge
// (last write wins).
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// Gauge returns the current value of the named gauge.
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// Uptime returns the time since the registry was created, which for
// orcabot is process start.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started).Truncate(time.Second)
}

// MemoryStats is a point-in-time view of runtime memory usage.
type MemoryStats struct {
	SysBytes     uint64  `json:"sys_bytes"`
	HeapAlloc    uint64  `json:"heap_alloc_bytes"`
	HeapSys      uint64  `json:"heap_sys_bytes"`
	HeapObjects  uint64  `json:"heap_objects"`
	StackSys     uint64  `json:"stack_sys_bytes"`
	NumGC        uint32  `json:"num_gc"`
	Goroutines   int     `json:"goroutines"`
	HeapRatio    float64 `json:"heap_ratio"`
	LastGCMillis uint64  `json:"last_gc_ms,omitempty"`
}

// ReadMemory samples runtime.MemStats into a MemoryStats.
func ReadMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats := MemoryStats{
		SysBytes:    ms.Sys,
		HeapAlloc:   ms.HeapAlloc,
		HeapSys:     ms.HeapSys,
		HeapObjects: ms.HeapObjects,
		StackSys:    ms.StackSys,
		NumGC:       ms.NumGC,
		Goroutines:  runtime.NumGoroutine(),
	}
	if ms.HeapSys > 0 {
		stats.HeapRatio = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}
	if ms.LastGC > 0 {
		stats.LastGCMillis = ms.LastGC / 1e6
	}
	return stats
}

// Snapshot is the JSON document served by /metrics.
type Snapshot struct {
	UptimeSeconds int64              `json:"uptime_seconds"`
	Uptime        string             `json:"uptime"`
	Counters      map[string]int64   `json:"counters"`
	Gauges        map[string]float64 `json:"gauges"`
	Memory        MemoryStats        `json:"memory"`
	Build         map[string]string  `json:"build"`
}

// Snapshot copies every counter and gauge plus memory and build info.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	r.mu.RUnlock()

	up := r.Uptime()
	return Snapshot{
		UptimeSeconds: int64(up.Seconds()),
		Uptime:        up.String(),
		Counters:      counters,
		Gauges:        gauges,
		Memory:        ReadMemory(),
		Build:         buildinfo.Info(),
	}
}

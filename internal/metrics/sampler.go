package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const (
	defaultSampleInterval    = 60 * time.Second
	defaultPressureThreshold = 0.85
)

// Sampler periodically reads runtime memory statistics, publishes them
// as gauges, and fires registered callbacks when heap usage crosses
// the pressure threshold. Components that hold droppable memory (the
// pipeline's context cache) register a callback.
type Sampler struct {
	reg       *Registry
	logger    *slog.Logger
	interval  time.Duration
	threshold float64

	mu        sync.Mutex
	callbacks []func()
}

// NewSampler returns a Sampler with the 60 s interval and 0.85
// heap-ratio threshold.
func NewSampler(reg *Registry, logger *slog.Logger) *Sampler {
	return &Sampler{
		reg:       reg,
		logger:    logger,
		interval:  defaultSampleInterval,
		threshold: defaultPressureThreshold,
	}
}

// OnPressure registers fn to run on every pressure event. Callbacks
// must be fast and must not block.
func (s *Sampler) OnPressure(fn func()) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Run samples on the configured interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample reads memory once, updates gauges, and handles pressure.
func (s *Sampler) Sample() {
	stats := ReadMemory()
	s.reg.SetGauge("memory.heap_alloc_bytes", float64(stats.HeapAlloc))
	s.reg.SetGauge("memory.heap_sys_bytes", float64(stats.HeapSys))
	s.reg.SetGauge("memory.sys_bytes", float64(stats.SysBytes))
	s.reg.SetGauge("memory.heap_ratio", stats.HeapRatio)
	s.reg.SetGauge("goroutines", float64(stats.Goroutines))

	if stats.HeapRatio <= s.threshold {
		return
	}

	s.logger.Warn("memory pressure detected",
		"heap_alloc", stats.HeapAlloc,
		"heap_sys", stats.HeapSys,
		"ratio", stats.HeapRatio,
		"threshold", s.threshold,
	)
	s.reg.Inc(MemoryPressure)

	s.mu.Lock()
	callbacks := make([]func(), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}

	runtime.GC()
}

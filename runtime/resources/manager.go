// Package resources owns admission control and process telemetry: a counting
// semaphore bounding concurrent handler executions, the payload byte gate,
// and the health classification derived from sampled telemetry.
package resources

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/semaphore"

	"github.com/parley-dev/parley/runtime/errs"
)

// HealthStatus classifies the process condition.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

type (
	// Config bounds the manager. Zero threshold values fall back to the
	// defaults below.
	Config struct {
		// MaxConcurrentExecutions is the semaphore capacity.
		MaxConcurrentExecutions int64
		// MaxPayloadBytes bounds serialized payload size.
		MaxPayloadBytes int
		// MemoryDegradedBytes and MemoryUnhealthyBytes are RSS thresholds.
		MemoryDegradedBytes  uint64
		MemoryUnhealthyBytes uint64
		// DelayDegraded and DelayUnhealthy are scheduler-delay thresholds.
		DelayDegraded  time.Duration
		DelayUnhealthy time.Duration
	}

	// Telemetry is a point-in-time snapshot of the tracked resources.
	Telemetry struct {
		MemoryUsageBytes        uint64  `json:"memoryUsageBytes"`
		EventLoopDelayMs        float64 `json:"eventLoopDelayMs"`
		ConcurrentExecutions    int64   `json:"concurrentExecutions"`
		MaxConcurrentExecutions int64   `json:"maxConcurrentExecutions"`
	}

	// Slot is one unit of admission. Release is idempotent and must be
	// called once the handler settles, not when the response is delivered.
	Slot struct {
		mgr  *Manager
		once sync.Once
	}

	// Manager implements admission control and telemetry. Safe for
	// concurrent use.
	Manager struct {
		cfg      Config
		sem      *semaphore.Weighted
		inFlight atomic.Int64
		delayNs  atomic.Int64
		proc     *process.Process
	}
)

const (
	defaultMemoryDegraded  = 512 << 20
	defaultMemoryUnhealthy = 1 << 30
	defaultDelayDegraded   = 50 * time.Millisecond
	defaultDelayUnhealthy  = 250 * time.Millisecond
)

// NewManager constructs a Manager from the given config.
func NewManager(cfg Config) *Manager {
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = 10
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.MemoryDegradedBytes == 0 {
		cfg.MemoryDegradedBytes = defaultMemoryDegraded
	}
	if cfg.MemoryUnhealthyBytes == 0 {
		cfg.MemoryUnhealthyBytes = defaultMemoryUnhealthy
	}
	if cfg.DelayDegraded == 0 {
		cfg.DelayDegraded = defaultDelayDegraded
	}
	if cfg.DelayUnhealthy == 0 {
		cfg.DelayUnhealthy = defaultDelayUnhealthy
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Manager{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(cfg.MaxConcurrentExecutions),
		proc: proc,
	}
}

// TryAcquireSlot attempts a non-blocking acquisition. It returns a nil slot
// and a ResourceExhausted error when capacity is saturated.
func (m *Manager) TryAcquireSlot() (*Slot, error) {
	if !m.sem.TryAcquire(1) {
		return nil, errs.Newf(errs.ResourceExhausted,
			"concurrency limit reached (%d executions in flight)", m.cfg.MaxConcurrentExecutions)
	}
	m.inFlight.Add(1)
	return &Slot{mgr: m}, nil
}

// Release returns the slot to the semaphore. Calling it more than once is a
// no-op.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.mgr.inFlight.Add(-1)
		s.mgr.sem.Release(1)
	})
}

// ValidatePayloadSize serializes value to UTF-8 JSON and rejects it when the
// byte length exceeds the configured limit.
func (m *Manager) ValidatePayloadSize(value any) error {
	n, err := SerializedSize(value)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "payload is not serializable", err)
	}
	if n > m.cfg.MaxPayloadBytes {
		return errs.Newf(errs.ResourceExhausted,
			"payload size %d exceeds limit %d", n, m.cfg.MaxPayloadBytes)
	}
	return nil
}

// MaxPayloadBytes reports the configured payload limit.
func (m *Manager) MaxPayloadBytes() int { return m.cfg.MaxPayloadBytes }

// SerializedSize reports the UTF-8 JSON byte length of value.
func SerializedSize(value any) (int, error) {
	if value == nil {
		return 2, nil // "null" fits every budget; callers treat nil as {}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// GetTelemetry returns a snapshot of memory usage, scheduler delay, and
// in-flight executions.
func (m *Manager) GetTelemetry() Telemetry {
	return Telemetry{
		MemoryUsageBytes:        m.memoryUsage(),
		EventLoopDelayMs:        float64(m.delayNs.Load()) / float64(time.Millisecond),
		ConcurrentExecutions:    m.inFlight.Load(),
		MaxConcurrentExecutions: m.cfg.MaxConcurrentExecutions,
	}
}

// GetHealthStatus classifies the current telemetry against the configured
// thresholds. Saturated concurrency alone degrades; it does not mark the
// process unhealthy because slots drain as handlers settle.
func (m *Manager) GetHealthStatus() HealthStatus {
	t := m.GetTelemetry()
	delay := time.Duration(t.EventLoopDelayMs * float64(time.Millisecond))
	switch {
	case t.MemoryUsageBytes >= m.cfg.MemoryUnhealthyBytes || delay >= m.cfg.DelayUnhealthy:
		return Unhealthy
	case t.MemoryUsageBytes >= m.cfg.MemoryDegradedBytes ||
		delay >= m.cfg.DelayDegraded ||
		t.ConcurrentExecutions >= t.MaxConcurrentExecutions:
		return Degraded
	default:
		return Healthy
	}
}

// SampleDelayOnce measures scheduler latency with a single short sleep and
// folds it into the rolling delay value. Exposed for explicit ticks in tests.
func (m *Manager) SampleDelayOnce(window time.Duration) {
	start := time.Now()
	time.Sleep(window)
	observed := time.Since(start) - window
	if observed < 0 {
		observed = 0
	}
	m.recordDelay(observed)
}

// StartSampling launches a background sampler that measures scheduler delay
// every interval until ctx is done.
func (m *Manager) StartSampling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SampleDelayOnce(10 * time.Millisecond)
			}
		}
	}()
}

// recordDelay folds an observation into an exponentially weighted rolling
// value so a single hiccup does not dominate the classification.
func (m *Manager) recordDelay(observed time.Duration) {
	const alpha = 0.5
	prev := m.delayNs.Load()
	next := int64(alpha*float64(observed) + (1-alpha)*float64(prev))
	m.delayNs.Store(next)
}

// memoryUsage reads process RSS via gopsutil, falling back to the Go heap
// when process inspection is unavailable.
func (m *Manager) memoryUsage() uint64 {
	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
			return info.RSS
		}
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

package dm

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-dm/internal/interfaces"
)

// Metrics tracks dispatch and suspend statistics across every device served
// by a single mapper instance (spec §5, supplementing the distilled spec
// with the observability surface a production mapper would carry).
type Metrics struct {
	Forwarded       atomic.Uint64
	CompletedSync   atomic.Uint64
	Completed       atomic.Uint64
	CompletedError  atomic.Uint64
	Deferred        atomic.Uint64
	DispatchErrors  atomic.Uint64

	SuspendWaitTotalNs atomic.Uint64
	SuspendWaitCount   atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics constructs a zeroed Metrics, timestamped at creation.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordDispatch(outcome string) {
	switch outcome {
	case "forwarded":
		m.Forwarded.Add(1)
	case "completed_sync":
		m.CompletedSync.Add(1)
	case "completed":
		m.Completed.Add(1)
	case "completed_error":
		m.CompletedError.Add(1)
	case "deferred":
		m.Deferred.Add(1)
	case "error":
		m.DispatchErrors.Add(1)
	}
}

func (m *Metrics) recordSuspendWait(latencyNs uint64) {
	m.SuspendWaitTotalNs.Add(latencyNs)
	m.SuspendWaitCount.Add(1)
}

func (m *Metrics) recordQueueDepth(depth int) {
	d := uint64(depth)
	m.QueueDepthTotal.Add(d)
	m.QueueDepthCount.Add(1)
	for {
		cur := m.MaxQueueDepth.Load()
		if d <= cur {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(cur, d) {
			break
		}
	}
}

// MetricsSnapshot is a point-in-time view of Metrics, safe to copy.
type MetricsSnapshot struct {
	Forwarded      uint64
	CompletedSync  uint64
	Completed      uint64
	CompletedError uint64
	Deferred       uint64
	DispatchErrors uint64

	AvgSuspendWaitNs uint64
	AvgQueueDepth    float64
	MaxQueueDepth    uint64

	UptimeNs uint64
}

// Snapshot takes a consistent-enough point-in-time reading of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Forwarded:      m.Forwarded.Load(),
		CompletedSync:  m.CompletedSync.Load(),
		Completed:      m.Completed.Load(),
		CompletedError: m.CompletedError.Load(),
		Deferred:       m.Deferred.Load(),
		DispatchErrors: m.DispatchErrors.Load(),
		MaxQueueDepth:  m.MaxQueueDepth.Load(),
		UptimeNs:       uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
	if c := m.SuspendWaitCount.Load(); c > 0 {
		snap.AvgSuspendWaitNs = m.SuspendWaitTotalNs.Load() / c
	}
	if c := m.QueueDepthCount.Load(); c > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(c)
	}
	return snap
}

// MetricsObserver adapts Metrics to interfaces.Observer so it can be wired
// directly into a Dispatcher.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an interfaces.Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDispatch(outcome string, rw interfaces.Direction) {
	o.metrics.recordDispatch(outcome)
}

func (o *MetricsObserver) ObserveSuspendWait(latencyNs uint64) {
	o.metrics.recordSuspendWait(latencyNs)
}

func (o *MetricsObserver) ObserveQueueDepth(depth int) {
	o.metrics.recordQueueDepth(depth)
}

var _ interfaces.Observer = (*MetricsObserver)(nil)

// NoOpObserver discards every event; the zero value is ready to use.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDispatch(string, interfaces.Direction) {}
func (NoOpObserver) ObserveSuspendWait(uint64)                    {}
func (NoOpObserver) ObserveQueueDepth(int)                        {}

var _ interfaces.Observer = NoOpObserver{}

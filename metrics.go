package serial

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks per-connection I/O health statistics, grounded on the
// teacher's Metrics struct in metrics.go, generalized so it belongs to
// a Connection rather than a DI-injected Service singleton.
type Metrics struct {
	ConnectionAttempts  atomic.Int64
	SuccessfulConnects  atomic.Int64
	ConnectionFailures  atomic.Int64
	Disconnections      atomic.Int64
	LastConnectTime     atomic.Int64
	LastDisconnectTime  atomic.Int64
	ConnectionStartTime atomic.Int64
	TotalUptime         atomic.Int64

	ReadOperations  atomic.Int64
	SuccessfulReads atomic.Int64
	ReadErrors      atomic.Int64
	BytesRead       atomic.Int64
	TotalReadTime   atomic.Int64
	MaxReadTime     atomic.Int64

	WriteOperations  atomic.Int64
	SuccessfulWrites atomic.Int64
	WriteErrors      atomic.Int64
	BytesWritten     atomic.Int64
	TotalWriteTime   atomic.Int64
	MaxWriteTime     atomic.Int64

	BufferPoolHits   atomic.Int64
	BufferPoolMisses atomic.Int64

	ConsecutiveFailures atomic.Int64
	LastErrorTime       atomic.Int64
}

// HealthStatus is a coarse assessment of a connection's recent I/O
// behavior, derived from its Metrics (§4.6).
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// MetricsSnapshot is a point-in-time, immutable copy of a connection's
// metrics, safe to hand to callers or push over a channel.
type MetricsSnapshot struct {
	Timestamp           time.Time
	IsConnected         bool
	ReadSuccessRate     float64
	WriteSuccessRate    float64
	AverageReadLatency  time.Duration
	AverageWriteLatency time.Duration
	BytesPerSecond      float64
	TotalReads          int64
	TotalWrites         int64
	TotalBytesRead      int64
	TotalBytesWritten   int64
	TotalErrors         int64
	ConsecutiveFailures int64
	BufferPoolHitRatio  float64
	UptimeSeconds       float64
	HealthStatus        HealthStatus
}

func (m *Metrics) recordConnect() {
	m.ConnectionAttempts.Add(1)
	m.SuccessfulConnects.Add(1)
	m.LastConnectTime.Store(time.Now().Unix())
	m.ConnectionStartTime.Store(time.Now().UnixNano())
	m.ConsecutiveFailures.Store(0)
}

func (m *Metrics) recordDisconnect() {
	start := m.ConnectionStartTime.Load()
	if start > 0 {
		m.TotalUptime.Add(time.Now().UnixNano() - start)
	}
	m.Disconnections.Add(1)
	m.LastDisconnectTime.Store(time.Now().Unix())
}

func (m *Metrics) recordWrite(n int, err error, d time.Duration) {
	m.WriteOperations.Add(1)
	m.TotalWriteTime.Add(d.Nanoseconds())
	bumpMax(&m.MaxWriteTime, d.Nanoseconds())
	if err != nil {
		m.WriteErrors.Add(1)
		m.ConsecutiveFailures.Add(1)
		m.LastErrorTime.Store(time.Now().Unix())
		return
	}
	m.SuccessfulWrites.Add(1)
	m.BytesWritten.Add(int64(n))
	m.ConsecutiveFailures.Store(0)
}

func (m *Metrics) recordRead(n int, err error, d time.Duration) {
	m.ReadOperations.Add(1)
	m.TotalReadTime.Add(d.Nanoseconds())
	bumpMax(&m.MaxReadTime, d.Nanoseconds())
	if err != nil {
		m.ReadErrors.Add(1)
		m.ConsecutiveFailures.Add(1)
		m.LastErrorTime.Store(time.Now().Unix())
		return
	}
	m.SuccessfulReads.Add(1)
	m.BytesRead.Add(int64(n))
	m.ConsecutiveFailures.Store(0)
}

func bumpMax(field *atomic.Int64, v int64) {
	for {
		cur := field.Load()
		if v <= cur || field.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Snapshot assembles an immutable MetricsSnapshot from the current
// counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	now := time.Now()
	start := m.ConnectionStartTime.Load()
	connected := start > 0 && m.Disconnections.Load() == 0

	s := MetricsSnapshot{
		Timestamp:           now,
		IsConnected:         connected,
		ReadSuccessRate:     rate(m.SuccessfulReads.Load(), m.ReadOperations.Load()),
		WriteSuccessRate:    rate(m.SuccessfulWrites.Load(), m.WriteOperations.Load()),
		AverageReadLatency:  avgDuration(m.TotalReadTime.Load(), m.ReadOperations.Load()),
		AverageWriteLatency: avgDuration(m.TotalWriteTime.Load(), m.WriteOperations.Load()),
		TotalReads:          m.ReadOperations.Load(),
		TotalWrites:         m.WriteOperations.Load(),
		TotalBytesRead:      m.BytesRead.Load(),
		TotalBytesWritten:   m.BytesWritten.Load(),
		TotalErrors:         m.ReadErrors.Load() + m.WriteErrors.Load(),
		ConsecutiveFailures: m.ConsecutiveFailures.Load(),
		BufferPoolHitRatio:  rate(m.BufferPoolHits.Load(), m.BufferPoolHits.Load()+m.BufferPoolMisses.Load()),
	}
	if connected {
		elapsed := time.Duration(now.UnixNano() - start)
		s.UptimeSeconds = elapsed.Seconds()
		if elapsed > 0 {
			s.BytesPerSecond = float64(s.TotalBytesRead+s.TotalBytesWritten) / elapsed.Seconds()
		}
	}
	s.HealthStatus = assessHealth(s)
	return s
}

func rate(part, total int64) float64 {
	if total == 0 {
		return 100.0
	}
	return float64(part) / float64(total) * 100
}

func avgDuration(totalNanos, ops int64) time.Duration {
	if ops == 0 {
		return 0
	}
	return time.Duration(totalNanos / ops)
}

func assessHealth(s MetricsSnapshot) HealthStatus {
	if !s.IsConnected {
		return HealthStatusDown
	}
	errRate := 100 - (s.ReadSuccessRate+s.WriteSuccessRate)/2
	switch {
	case errRate > 50 || s.ConsecutiveFailures > 5:
		return HealthStatusUnhealthy
	case errRate > 10 || s.ConsecutiveFailures > 2:
		return HealthStatusDegraded
	default:
		return HealthStatusHealthy
	}
}

// MetricsBroadcaster periodically pushes MetricsSnapshot values from a
// source function onto a channel, for callers who want a live feed
// instead of polling Connection.Metrics (grounded on the teacher's
// channel-based MetricsBroadcaster, generalized past a single Service).
type MetricsBroadcaster struct {
	source   func() MetricsSnapshot
	ch       chan MetricsSnapshot
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	enabled  atomic.Bool
}

// NewMetricsBroadcaster builds a broadcaster that samples source every
// interval, buffering up to channelSize snapshots.
func NewMetricsBroadcaster(source func() MetricsSnapshot, channelSize int, interval time.Duration) *MetricsBroadcaster {
	return &MetricsBroadcaster{
		source:   source,
		ch:       make(chan MetricsSnapshot, channelSize),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the broadcast loop; a no-op if already running.
func (mb *MetricsBroadcaster) Start() {
	if !mb.enabled.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(mb.interval)
		defer ticker.Stop()
		for {
			select {
			case <-mb.stopCh:
				return
			case <-ticker.C:
				mb.emit()
			}
		}
	}()
}

// Stop halts the broadcast loop and closes the channel.
func (mb *MetricsBroadcaster) Stop() {
	if mb.enabled.CompareAndSwap(true, false) {
		mb.stopOnce.Do(func() {
			close(mb.stopCh)
			close(mb.ch)
		})
	}
}

// Channel returns the read-only snapshot feed.
func (mb *MetricsBroadcaster) Channel() <-chan MetricsSnapshot { return mb.ch }

func (mb *MetricsBroadcaster) emit() {
	if !mb.enabled.Load() {
		return
	}
	select {
	case mb.ch <- mb.source():
	default:
	}
}

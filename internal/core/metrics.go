package core

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks consumption statistics. It keeps both Prometheus collectors
// and an internal snapshot used by the health verdict.
type Metrics struct {
	mu sync.RWMutex

	totalEvents    uint64
	failedEvents   uint64
	lastActivityAt time.Time

	processedTotal     *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	backpressureWait   prometheus.Histogram
	backpressureEvents prometheus.Counter
	inFlight           prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// MetricsSnapshot is a point-in-time view of the consumption counters.
type MetricsSnapshot struct {
	TotalEvents    uint64    `json:"total_events"`
	FailedEvents   uint64    `json:"failed_events"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// NewMetrics creates the consumption metrics collector. Collectors are not
// registered until Register is called.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer: registerer,
		processedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "consumer",
				Name:      "events_processed_total",
				Help:      "Total number of events that resolved through dispatch",
			},
			[]string{"event_type", "status"},
		),
		processingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "eventcore",
				Subsystem: "consumer",
				Name:      "event_processing_duration_seconds",
				Help:      "Wall time from dispatch start to outcome resolution",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		backpressureWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "eventcore",
				Subsystem: "consumer",
				Name:      "backpressure_wait_seconds",
				Help:      "Time spent waiting for an in-flight slot",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
		),
		backpressureEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "consumer",
				Name:      "backpressure_events_total",
				Help:      "Number of acquisitions that had to wait for a slot",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "eventcore",
				Subsystem: "consumer",
				Name:      "in_flight_events",
				Help:      "Messages whose handler invocation has started but not resolved",
			},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.processedTotal,
		m.processingDuration,
		m.backpressureWait,
		m.backpressureEvents,
		m.inFlight,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveOutcome records one resolved dispatch.
func (m *Metrics) ObserveOutcome(eventType string, out Outcome, duration time.Duration) {
	m.mu.Lock()
	m.totalEvents++
	if out.Status == StatusFailed {
		m.failedEvents++
	}
	m.lastActivityAt = time.Now().UTC()
	m.mu.Unlock()

	m.processedTotal.WithLabelValues(eventType, string(out.Status)).Inc()
	m.processingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// ObserveBackpressureWait records a gate acquisition that had to wait.
func (m *Metrics) ObserveBackpressureWait(wait time.Duration) {
	m.backpressureWait.Observe(wait.Seconds())
	m.backpressureEvents.Inc()
}

func (m *Metrics) SetInFlight(n int64) {
	m.inFlight.Set(float64(n))
}

// Snapshot returns the counters the health verdict is derived from.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		TotalEvents:    m.totalEvents,
		FailedEvents:   m.failedEvents,
		LastActivityAt: m.lastActivityAt,
	}
}

// Reset clears the internal counters. Useful for tests.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalEvents = 0
	m.failedEvents = 0
	m.lastActivityAt = time.Time{}
	m.processedTotal.Reset()
	m.processingDuration.Reset()
	m.inFlight.Set(0)
}

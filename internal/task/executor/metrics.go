package executor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for dispatch activity.
type Metrics struct {
	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inflight   prometheus.Gauge
	dropped    *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns collectors registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the executor collectors with reg. Collectors that
// are already registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	dispatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentflow",
			Subsystem: "executor",
			Name:      "dispatch_total",
			Help:      "Dispatches by agent and resulting task state.",
		},
		[]string{"agent", "state"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentflow",
			Subsystem: "executor",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent waiting on a remote agent.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent"},
	)
	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentflow",
			Subsystem: "executor",
			Name:      "inflight",
			Help:      "Dispatches currently waiting on a remote agent.",
		},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentflow",
			Subsystem: "executor",
			Name:      "dropped_total",
			Help:      "Firings that were not dispatched, by reason.",
		},
		[]string{"reason"},
	)

	collectors := []prometheus.Collector{dispatches, duration, inflight, dropped}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					duration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case dispatches:
						dispatches = already.ExistingCollector.(*prometheus.CounterVec)
					case dropped:
						dropped = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					inflight = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{dispatches: dispatches, duration: duration, inflight: inflight, dropped: dropped}
}

func (m *Metrics) observeDispatch(agentName string, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(agentName, state).Inc()
	m.duration.WithLabelValues(agentName).Observe(d.Seconds())
}

func (m *Metrics) incInflight() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) decInflight() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

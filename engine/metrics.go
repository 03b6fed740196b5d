package engine

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors: request-thread
// operation latency (generalized from the teacher dispatcher's
// lastOperationDuration/maxOperationDuration tracking) and xrun/cycle
// counters.
type Metrics struct {
	OpLatency    prometheus.Histogram
	SlowOpsTotal prometheus.Counter
	CyclesTotal  prometheus.Counter
	XRunsTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics builds and registers the engine's metrics against registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("engine: failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.OpLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtaudiod_op_latency_seconds",
		Help:    "Latency of request-thread topology operations.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us .. ~800ms
	})
	m.SlowOpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtaudiod_slow_ops_total",
		Help: "Count of topology operations exceeding the target latency.",
	})
	m.CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtaudiod_cycles_total",
		Help: "Count of completed engine Process cycles.",
	})
	m.XRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtaudiod_xruns_total",
		Help: "Count of cycles in which at least one client overran.",
	})
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.OpLatency.Collect(ch)
	m.SlowOpsTotal.Collect(ch)
	m.CyclesTotal.Collect(ch)
	m.XRunsTotal.Collect(ch)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.OpLatency.Describe(ch)
	m.SlowOpsTotal.Describe(ch)
	m.CyclesTotal.Describe(ch)
	m.XRunsTotal.Describe(ch)
}

func (m *Metrics) observeOp(d time.Duration) {
	if m == nil {
		return
	}
	m.OpLatency.Observe(d.Seconds())
}

func (m *Metrics) observeSlowOp(time.Duration) {
	if m == nil {
		return
	}
	m.SlowOpsTotal.Inc()
}

func (m *Metrics) incCycles() {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
}

func (m *Metrics) incXRuns() {
	if m == nil {
		return
	}
	m.XRunsTotal.Inc()
}

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors an Orchestrator updates. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	instances      prometheus.Gauge
	pending        prometheus.Gauge
	inFlight       prometheus.Gauge
	creates        *prometheus.CounterVec
	removals       prometheus.Counter
	rejections     prometheus.Counter
	createDuration prometheus.Histogram
}

// NewMetrics creates the pool collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmpool_instances",
			Help: "Instances currently in the pool.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmpool_instances_pending",
			Help: "Instances being created.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmpool_tasks_in_flight",
			Help: "Tasks currently dispatched to pool instances.",
		}),
		creates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmpool_instance_creates_total",
			Help: "Instance creations by result.",
		}, []string{"result"}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmpool_instance_removals_total",
			Help: "Instances removed from the pool.",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmpool_capacity_rejections_total",
			Help: "Creates refused because the pool was at capacity.",
		}),
		createDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmpool_instance_create_seconds",
			Help:    "Time to bring an instance to ready.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	reg.MustRegister(m.instances, m.pending, m.inFlight, m.creates, m.removals, m.rejections, m.createDuration)
	return m
}

func (m *Metrics) setSizes(instances, pending, inFlight int) {
	if m == nil {
		return
	}
	m.instances.Set(float64(instances))
	m.pending.Set(float64(pending))
	m.inFlight.Set(float64(inFlight))
}

func (m *Metrics) created(ok bool, seconds float64) {
	if m == nil {
		return
	}
	if !ok {
		m.creates.WithLabelValues("failure").Inc()
		return
	}
	m.creates.WithLabelValues("success").Inc()
	m.createDuration.Observe(seconds)
}

func (m *Metrics) removed() {
	if m == nil {
		return
	}
	m.removals.Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.rejections.Inc()
}

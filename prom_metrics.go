package mediasched

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics exports scheduler activity as Prometheus collectors.
type PromMetrics struct {
	enqueued   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	generated  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	retried    *prometheus.CounterVec
	permanent  *prometheus.CounterVec
	queued     *prometheus.GaugeVec
	active     *prometheus.GaugeVec
	poolSize   prometheus.Gauge
	mode       prometheus.Gauge
}

// NewPromMetrics builds the collectors under the given namespace.
func NewPromMetrics(namespace string) *PromMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		}, []string{"class"})
	}
	return &PromMetrics{
		enqueued:   counter("enqueued_total", "Tasks accepted by the dispatcher.", "class"),
		rejected:   counter("rejected_total", "Tasks rejected at enqueue.", "class", "reason"),
		dispatched: counter("dispatched_total", "Tasks handed to a worker.", "class"),
		generated:  counter("generated_total", "Tasks finished successfully.", "class"),
		failed:     counter("failed_total", "Failed task attempts.", "class"),
		retried:    counter("retried_total", "Retries scheduled.", "class"),
		permanent:  counter("permanent_failures_total", "Tasks marked permanently failed.", "class"),
		queued:     gauge("queued", "Tasks waiting in the queue."),
		active:     gauge("active", "Tasks currently running."),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "size", Help: "Live worker count.",
		}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "adaptive", Name: "mode", Help: "1=low 2=medium 3=high.",
		}),
	}
}

// Register adds all collectors to reg.
func (m *PromMetrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.enqueued, m.rejected, m.dispatched, m.generated, m.failed,
		m.retried, m.permanent, m.queued, m.active, m.poolSize, m.mode,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *PromMetrics) IncEnqueued(c Class)   { m.enqueued.WithLabelValues(c.String()).Inc() }
func (m *PromMetrics) IncDispatched(c Class) { m.dispatched.WithLabelValues(c.String()).Inc() }
func (m *PromMetrics) IncGenerated(c Class)  { m.generated.WithLabelValues(c.String()).Inc() }
func (m *PromMetrics) IncFailed(c Class)     { m.failed.WithLabelValues(c.String()).Inc() }
func (m *PromMetrics) IncRetried(c Class)    { m.retried.WithLabelValues(c.String()).Inc() }

func (m *PromMetrics) IncRejected(c Class, reason string) {
	m.rejected.WithLabelValues(c.String(), reason).Inc()
}

func (m *PromMetrics) IncPermanentFailure(c Class) {
	m.permanent.WithLabelValues(c.String()).Inc()
}

func (m *PromMetrics) SetQueued(c Class, n int) { m.queued.WithLabelValues(c.String()).Set(float64(n)) }
func (m *PromMetrics) SetActive(c Class, n int) { m.active.WithLabelValues(c.String()).Set(float64(n)) }
func (m *PromMetrics) SetPoolSize(n int)        { m.poolSize.Set(float64(n)) }
func (m *PromMetrics) SetMode(md Mode)          { m.mode.Set(float64(md)) }

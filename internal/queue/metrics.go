package queue

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type queueMetrics struct {
	submitted prometheus.Counter
	drained   prometheus.Counter
	rejected  prometheus.Counter
	depth     prometheus.Gauge
	batch     prometheus.Histogram
}

func newQueueMetrics(reg prometheus.Registerer, name string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": name}
	m := &queueMetrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tachyon",
			Subsystem:   "queue",
			Name:        "packets_submitted_total",
			Help:        "Packets appended to the ingest queue.",
			ConstLabels: labels,
		}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tachyon",
			Subsystem:   "queue",
			Name:        "packets_drained_total",
			Help:        "Packets removed from the ingest queue by drains.",
			ConstLabels: labels,
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tachyon",
			Subsystem:   "queue",
			Name:        "packets_rejected_total",
			Help:        "Packets rejected because the queue was at max depth.",
			ConstLabels: labels,
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tachyon",
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Packets currently queued.",
			ConstLabels: labels,
		}),
		batch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tachyon",
			Subsystem:   "queue",
			Name:        "drain_batch_size",
			Help:        "Packets returned per drain call.",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{m.submitted, m.drained, m.rejected, m.depth, m.batch} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register queue metrics: %w", err)
		}
	}
	return m, nil
}

func (m *queueMetrics) recordSubmit(depth int) {
	if m == nil {
		return
	}
	m.submitted.Inc()
	m.depth.Set(float64(depth))
}

func (m *queueMetrics) recordReject() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *queueMetrics) recordDrain(n, depth int) {
	if m == nil {
		return
	}
	m.drained.Add(float64(n))
	m.depth.Set(float64(depth))
	m.batch.Observe(float64(n))
}

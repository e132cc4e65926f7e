package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EnvelopesTotal counts intake decisions by result.
	EnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tachyon",
			Name:      "envelopes_total",
			Help:      "Envelopes processed at intake by result.",
		},
		[]string{"result"},
	)

	// PacketsWrittenTotal counts drained packets written per sink.
	PacketsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tachyon",
			Name:      "packets_written_total",
			Help:      "Drained packets written to a sink.",
		},
		[]string{"sink"},
	)

	// SinkWriteErrorsTotal counts failed batch writes per sink.
	SinkWriteErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tachyon",
			Name:      "sink_write_errors_total",
			Help:      "Failed batch writes per sink.",
		},
		[]string{"sink"},
	)

	// RulesetGeneration is the generation of the active ruleset snapshot.
	RulesetGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tachyon",
			Name:      "ruleset_generation",
			Help:      "Generation of the active ruleset snapshot.",
		},
	)

	// RulesetSubjects is the number of subjects in the active snapshot.
	RulesetSubjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tachyon",
			Name:      "ruleset_subjects",
			Help:      "Allowed subjects in the active ruleset snapshot.",
		},
	)

	// DrainLatencySeconds is the time spent writing one drained batch.
	DrainLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tachyon",
			Name:      "drain_flush_seconds",
			Help:      "Time spent writing one drained batch to the sinks.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register adds all collectors plus Go runtime collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		EnvelopesTotal,
		PacketsWrittenTotal,
		SinkWriteErrorsTotal,
		RulesetGeneration,
		RulesetSubjects,
		DrainLatencySeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

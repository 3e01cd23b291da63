package instance

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "instance",
			Name:      "transitions_total",
			Help:      "State machine transitions, by entered state",
		},
		[]string{"state"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "instance",
			Name:      "generations_total",
			Help:      "Completed generation passes, by outcome",
		},
		[]string{"model", "outcome"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "instance",
			Name:      "tokens_total",
			Help:      "Generated fragments emitted to callers",
		},
		[]string{"model"},
	)

	loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "instance",
			Name:      "load_duration_seconds",
			Help:      "Time spent creating backend handles",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, generationsTotal, tokensTotal, loadDuration)
}

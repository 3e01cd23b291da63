package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Requests waiting for dispatch",
	})

	instancesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "scheduler",
		Name:      "instances",
		Help:      "Registered model instances",
	})

	dispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Requests handed to an instance",
		},
		[]string{"model"},
	)

	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "rejected_total",
			Help:      "Requests refused before dispatch",
		},
		[]string{"reason"},
	)

	queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inferd",
		Subsystem: "scheduler",
		Name:      "queue_wait_seconds",
		Help:      "Time between enqueue and dispatch",
		Buckets:   prometheus.DefBuckets,
	})

	idleUnloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "scheduler",
		Name:      "idle_unloads_total",
		Help:      "Instances whose handles were released after idling",
	})
)

func init() {
	prometheus.MustRegister(queueDepth, instancesGauge, dispatchedTotal, rejectedTotal, queueWait, idleUnloadsTotal)
}

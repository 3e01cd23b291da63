package promptcache

import "github.com/prometheus/client_golang/prometheus"

var (
	hitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "promptcache",
		Name:      "hits_total",
		Help:      "Prompt cache lookups that resumed a stored state",
	})
	missesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "promptcache",
		Name:      "misses_total",
		Help:      "Prompt cache lookups without a usable prefix entry",
	})
	savesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "promptcache",
		Name:      "saves_total",
		Help:      "Prompt states written to the cache",
	})
	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "promptcache",
		Name:      "evictions_total",
		Help:      "Cache entries removed, by reason",
	}, []string{"reason"})
	cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "promptcache",
		Name:      "bytes",
		Help:      "Total cache size after the last sweep",
	})
)

func init() {
	prometheus.MustRegister(hitsTotal, missesTotal, savesTotal, evictionsTotal, cacheBytes)
}

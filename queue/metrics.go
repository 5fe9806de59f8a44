package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "study_queue_loads",
		Help: "Total studies loaded into memory",
	}, []string{"dataset", "queue_type"})

	metricEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "study_queue_evictions",
		Help: "Total studies evicted from memory",
	}, []string{"dataset", "queue_type"})

	metricHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "study_queue_hits",
		Help: "Total accesses served from resident studies",
	}, []string{"dataset", "queue_type"})
)

// Collectors returns the queue metric collectors for registration with a
// prometheus registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{metricLoads, metricEvictions, metricHits}
}

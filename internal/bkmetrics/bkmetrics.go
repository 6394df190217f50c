// Public domain.

// Package bkmetrics holds the prometheus collectors of a background job.
//
// A job is a batch, so metrics are not scraped; they are written to a
// node_exporter textfile when the job ends.
package bkmetrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iact-tools/bkgmatch/internal/bkcache"
)

const namespace = "bkgmatch"

var (
	targetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Target runs processed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	singletonMatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleton_matches_total",
			Help:      "Targets whose match set held only the target itself.",
		},
	)

	matchSetSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_set_runs",
			Help:      "Number of runs in each match set.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		},
	)

	cacheEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raw_map_cache_events",
			Help:      "Raw map cache activity of the job by event.",
		},
		[]string{"event"},
	)

	jobSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of the last job.",
		},
	)
)

// Register attaches the collectors to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		targetsTotal,
		singletonMatches,
		matchSetSize,
		cacheEvents,
		jobSeconds,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveMatch records the size of a match set.
func ObserveMatch(members int) {
	matchSetSize.Observe(float64(members))
	if members == 1 {
		singletonMatches.Inc()
	}
}

// ObserveTarget records the outcome of one target: "written" or an error
// kind name.
func ObserveTarget(outcome string) {
	targetsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob records cache statistics and the duration of a job.
func ObserveJob(s bkcache.Stats, d time.Duration) {
	cacheEvents.WithLabelValues("hit").Set(float64(s.Hits))
	cacheEvents.WithLabelValues("miss").Set(float64(s.Misses))
	cacheEvents.WithLabelValues("computed").Set(float64(s.Computed))
	jobSeconds.Set(d.Seconds())
}

// WriteTextfile writes all metrics gathered by g to path in the text
// exposition format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

// Package metrics exposes store contents and pipeline runs to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/database"
)

var (
	projectsDesc = prometheus.NewDesc(
		"kwplanner_projects",
		"Number of projects.",
		nil, nil,
	)
	keywordsDesc = prometheus.NewDesc(
		"kwplanner_keywords",
		"Number of stored keywords across projects.",
		nil, nil,
	)
	clustersDesc = prometheus.NewDesc(
		"kwplanner_clusters",
		"Number of saved clusters across projects.",
		nil, nil,
	)
	analysesDesc = prometheus.NewDesc(
		"kwplanner_keyword_analyses",
		"Number of stored keyword analyses.",
		nil, nil,
	)
	serpDesc = prometheus.NewDesc(
		"kwplanner_serp_signals",
		"Number of stored search-result signals.",
		nil, nil,
	)
	usersDesc = prometheus.NewDesc(
		"kwplanner_users",
		"Number of users by approval status.",
		[]string{"status"}, nil,
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwplanner_pipeline_runs_total",
			Help: "Pipeline runs by step and outcome.",
		},
		[]string{"step", "outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kwplanner_pipeline_run_duration_seconds",
			Help:    "Pipeline run duration by step.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"step"},
	)
)

// StatsSource provides the aggregate counts reported on each scrape.
type StatsSource interface {
	GetStats() (*database.Stats, error)
}

// StoreCollector is a custom collector that reads counts from the store on
// each scrape.
type StoreCollector struct {
	source StatsSource
	logger *zap.Logger
}

// NewStoreCollector creates a collector over source.
func NewStoreCollector(source StatsSource, logger *zap.Logger) *StoreCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreCollector{source: source, logger: logger}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{projectsDesc, keywordsDesc, clustersDesc, analysesDesc, serpDesc, usersDesc} {
		ch <- d
	}
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	s, err := c.source.GetStats()
	if err != nil {
		c.logger.Error("failed to collect store metrics", zap.Error(err))
		return
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(projectsDesc, s.Projects)
	gauge(keywordsDesc, s.Keywords)
	gauge(clustersDesc, s.Clusters)
	gauge(analysesDesc, s.Analyses)
	gauge(serpDesc, s.SerpSignals)
	for _, status := range []string{database.StatusPending, database.StatusApproved, database.StatusRejected} {
		gauge(usersDesc, s.UsersByStatus[status], status)
	}
}

// Register registers the store collector and the pipeline run metrics.
// Collectors that are already registered are left in place.
func Register(reg prometheus.Registerer, source StatsSource, logger *zap.Logger) error {
	collectors := []prometheus.Collector{runsTotal, runDuration}
	if source != nil {
		collectors = append(collectors, NewStoreCollector(source, logger))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// ObserveRun records a finished pipeline step.
func ObserveRun(step string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	runsTotal.WithLabelValues(step, outcome).Inc()
	runDuration.WithLabelValues(step).Observe(time.Since(started).Seconds())
}

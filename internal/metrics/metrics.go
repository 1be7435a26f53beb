// Package metrics holds the Prometheus collectors for a sync run. A batch job
// has no scrape endpoint, so the registry is pushed to a Pushgateway at the
// end of the run when one is configured.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

type Metrics struct {
	registry *prometheus.Registry

	PagesFetched     *prometheus.CounterVec
	RecordsFetched   *prometheus.CounterVec
	DuplicateRecords *prometheus.CounterVec
	Attributes       *prometheus.CounterVec
	Queries          *prometheus.CounterVec
	LastRunSuccess   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webamon_sync_pages_fetched_total",
				Help: "Source API pages fetched",
			},
			[]string{"query"},
		),
		RecordsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webamon_sync_records_fetched_total",
				Help: "Unique records fetched from the source API",
			},
			[]string{"query"},
		),
		DuplicateRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webamon_sync_duplicate_records_total",
				Help: "Records dropped as duplicates within a fetch",
			},
			[]string{"query"},
		),
		Attributes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webamon_sync_attributes_total",
				Help: "Attribute submissions by outcome",
			},
			[]string{"query", "outcome"},
		),
		Queries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webamon_sync_queries_total",
				Help: "Processed queries by status",
			},
			[]string{"status"},
		),
		LastRunSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webamon_sync_last_run_success_timestamp_seconds",
				Help: "Unix time of the last run in which no query aborted",
			},
		),
	}
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Push replaces the metrics of job on the Pushgateway at url.
func (m *Metrics) Push(ctx context.Context, url string, job string) error {
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}

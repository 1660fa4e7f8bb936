// Package metrics holds the Prometheus instruments for the pipeline.
// Each Metrics value owns an independent registry so tests and multiple
// workers never fight over collector registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// scanDurationBuckets covers sub-second probes through hour-long brute runs.
var scanDurationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600}

// Metrics bundles the counters the bus, runner and ingestor report into.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec
	EventsRequeued  *prometheus.CounterVec

	ScanRuns     *prometheus.CounterVec
	ScanDuration *prometheus.HistogramVec

	RecordsParsed *prometheus.CounterVec
	ParseSkips    *prometheus.CounterVec

	Batches     *prometheus.CounterVec
	RowsCreated *prometheus.CounterVec
}

// New creates the instrument set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconduit_events_published_total",
			Help: "Events published to the bus by queue and event name.",
		}, []string{"queue", "event"}),

		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconduit_events_consumed_total",
			Help: "Events consumed by queue and outcome (ack or redeliver).",
		}, []string{"queue", "outcome"}),

		EventsRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconduit_events_requeued_total",
			Help: "Expired claims returned to the pending queue by the reaper.",
		}, []string{"queue"}),

		ScanRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconduit_scan_runs_total",
			Help: "Tool invocations by tool and terminal status.",
		}, []string{"tool", "status"}),

		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconduit_scan_duration_seconds",
			Help:    "Wall time of tool invocations.",
			Buckets: scanDurationBuckets,
		}, []string{"tool"}),

		RecordsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconduit_records_parsed_total",
			Help: "Typed records produced per tool.",
		}, []string{"tool"}),

		ParseSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconduit_parse_skips_total",
			Help: "Malformed output lines dropped per tool.",
		}, []string{"tool"}),

		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconduit_ingest_batches_total",
			Help: "Ingestion batches by outcome (ok or failed).",
		}, []string{"outcome"}),

		RowsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconduit_rows_created_total",
			Help: "Newly created rows by entity.",
		}, []string{"entity"}),
	}

	m.registry.MustRegister(
		m.EventsPublished, m.EventsConsumed, m.EventsRequeued,
		m.ScanRuns, m.ScanDuration,
		m.RecordsParsed, m.ParseSkips,
		m.Batches, m.RowsCreated,
	)
	return m
}

// Handler serves the scrape endpoint for this instrument set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/gridpulse/internal/storage"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

const namespace = "gridpulse"

// Metrics records pipeline events and samples engine state on scrape.
// It implements ingestion.Observer.
type Metrics struct {
	accepted      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	coalesced     *prometheus.CounterVec
	bucketsClosed prometheus.Counter
	latency       prometheus.Histogram

	reg prometheus.Gatherer
}

// StatsSource is the engine view sampled on every scrape.
type StatsSource interface {
	Stats() storage.Stats
}

// New registers the collectors with reg. A nil src registers only the
// event counters.
func New(reg *prometheus.Registry, src StatsSource) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_accepted_total",
			Help:      "Readings accepted by the pipeline, by channel.",
		}, []string{"channel"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Readings rejected by validation, by reason.",
		}, []string{"reason"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_coalesced_total",
			Help:      "Derived samples that superseded one with the same timestamp.",
		}, []string{"channel"}),
		bucketsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_buckets_closed_total",
			Help:      "Rollup buckets closed across all tiers.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_latency_seconds",
			Help:      "Time from enqueue to published snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		reg: reg,
	}

	reg.MustRegister(m.accepted, m.rejected, m.coalesced, m.bucketsClosed, m.latency)

	if src != nil {
		registerState(reg, src)
	}
	return m
}

func registerState(reg prometheus.Registerer, src StatsSource) {
	gauge := func(name, help string, fn func(storage.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(src.Stats()) })
	}
	counter := func(name, help string, fn func(storage.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(src.Stats()) })
	}

	reg.MustRegister(
		gauge("snapshot_generation", "Generation of the latest published snapshot.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.Snapshots.Generation) }),
		gauge("snapshot_as_of_seconds", "Data time of the latest published snapshot.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.AsOfMs) / 1000 }),
		gauge("ingest_queue_length", "Readings waiting for the ingestion worker.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.QueueLength) }),
		gauge("backpressure_level", "Backpressure level: 0 normal, 1 warning, 2 critical, 3 emergency.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.Backpressure.CurrentLevel) }),
		gauge("subscribers", "Active snapshot subscribers.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.Snapshots.Subscribers) }),
		counter("ingest_overloaded_total", "Readings refused by backpressure.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.Overloaded) }),
		counter("subscriber_deliveries_total", "Snapshots delivered to subscribers.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.Snapshots.Delivered) }),
		counter("subscriber_dropped_total", "Snapshots dropped on full subscriber queues.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.Snapshots.Dropped) }),
		counter("subscriber_failures_total", "Failed subscriber deliveries.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.Snapshots.Failed) }),
		counter("subscribers_removed_total", "Subscribers removed after repeated failures.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.Snapshots.Removed) }),
		counter("archive_buckets_total", "Evicted buckets written to the archive.",
			func(s storage.Stats) float64 { return float64(s.Ingestion.BucketsArchived) }),
		counter("journal_records_total", "Records appended to the replay journal.",
			func(s storage.Stats) float64 {
				if s.Ingestion.Journal == nil {
					return 0
				}
				return float64(s.Ingestion.Journal.RecordsWritten)
			}),
	)
}

// ReadingAccepted implements ingestion.Observer.
func (m *Metrics) ReadingAccepted(ch types.ChannelID, latency time.Duration) {
	m.accepted.WithLabelValues(string(ch)).Inc()
	m.latency.Observe(latency.Seconds())
}

// ReadingRejected implements ingestion.Observer.
func (m *Metrics) ReadingRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// SampleCoalesced implements ingestion.Observer.
func (m *Metrics) SampleCoalesced(ch types.ChannelID) {
	m.coalesced.WithLabelValues(string(ch)).Inc()
}

// BucketsClosed implements ingestion.Observer.
func (m *Metrics) BucketsClosed(n int) {
	m.bucketsClosed.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

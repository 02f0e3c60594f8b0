package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jittakal/kafreceiver/pkg/receiver"
)

// Ensure implementation satisfies interface at compile time.
var _ receiver.MetricsCollector = (*Metrics)(nil)

// Metrics holds all Prometheus metrics of the receiver runtime.
type Metrics struct {
	RecordsPolled    *prometheus.CounterVec
	BatchesDelivered prometheus.Counter
	OffsetCommits    *prometheus.CounterVec
	CommitLatency    prometheus.Histogram
	CommitRetries    prometheus.Counter
	Rebalances       prometheus.Counter
	PartitionsPaused prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		RecordsPolled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_receiver_records_polled_total",
				Help: "Total number of records returned by poll",
			},
			[]string{"topic", "partition"},
		),
		BatchesDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kafka_receiver_batches_delivered_total",
				Help: "Total number of batches accepted downstream",
			},
		),
		OffsetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_receiver_offset_commits_total",
				Help: "Total number of offset commits",
			},
			[]string{"status"},
		),
		CommitLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kafka_receiver_commit_latency_seconds",
				Help:    "Latency of offset commit operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		CommitRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kafka_receiver_commit_retries_total",
				Help: "Total number of commit retry attempts",
			},
		),
		Rebalances: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kafka_receiver_rebalance_total",
				Help: "Total number of consumer group rebalances",
			},
		),
		PartitionsPaused: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kafka_receiver_partitions_paused",
				Help: "Number of partitions currently paused",
			},
		),
	}
}

// IncRecordsPolled increments the records polled counter.
func (m *Metrics) IncRecordsPolled(topic string, partition int32, n int) {
	m.RecordsPolled.WithLabelValues(topic, fmt.Sprintf("%d", partition)).Add(float64(n))
}

// IncBatchesDelivered increments the batches delivered counter.
func (m *Metrics) IncBatchesDelivered() {
	m.BatchesDelivered.Inc()
}

// IncOffsetCommits increments the offset commits counter.
func (m *Metrics) IncOffsetCommits(status string) {
	m.OffsetCommits.WithLabelValues(status).Inc()
}

// ObserveCommitLatency observes commit latency.
func (m *Metrics) ObserveCommitLatency(seconds float64) {
	m.CommitLatency.Observe(seconds)
}

// IncCommitRetries increments the commit retries counter.
func (m *Metrics) IncCommitRetries() {
	m.CommitRetries.Inc()
}

// IncRebalances increments the rebalances counter.
func (m *Metrics) IncRebalances() {
	m.Rebalances.Inc()
}

// SetPartitionsPaused sets the paused partitions gauge.
func (m *Metrics) SetPartitionsPaused(n float64) {
	m.PartitionsPaused.Set(n)
}

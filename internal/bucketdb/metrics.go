package bucketdb

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of bucket database metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for bucket databases. Every series is
// labelled with the database name.
type Metrics struct {
	// Operation metrics
	Operations        *prometheus.CounterVec   // bucketdb_operations_total{db,operation}
	OperationDuration *prometheus.HistogramVec // bucketdb_operation_duration_seconds{db,operation}
	InvalidArguments  *prometheus.CounterVec   // bucketdb_invalid_arguments_total{db}

	// State metrics
	Entries    *prometheus.GaugeVec // bucketdb_entries{db}
	Generation *prometheus.GaugeVec // bucketdb_generation{db}

	// Reclamation metrics
	HeldGenerations *prometheus.GaugeVec // bucketdb_held_generations{db}
	ActiveGuards    *prometheus.GaugeVec // bucketdb_active_guards{db}
	RetiredNodes    *prometheus.GaugeVec // bucketdb_retired_nodes{db}
	FreeNodes       *prometheus.GaugeVec // bucketdb_free_nodes{db}
}

// InitMetrics initializes the process-wide bucket database metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = NewMetrics(registry)
	})
	return metricsInstance
}

// NewMetrics registers a fresh set of metrics with registry. Use it when
// databases should report into a private registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketdb_operations_total",
			Help: "Total bucket database operations by database and operation",
		}, []string{"db", "operation"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bucketdb_operation_duration_seconds",
			Help:    "Bucket database operation duration in seconds",
			Buckets: []float64{.000001, .000005, .00001, .00005, .0001, .0005, .001, .005, .01},
		}, []string{"db", "operation"}),

		InvalidArguments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketdb_invalid_arguments_total",
			Help: "Total operations rejected for malformed bucket IDs or replica sets",
		}, []string{"db"}),

		Entries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketdb_entries",
			Help: "Number of buckets in the latest published state",
		}, []string{"db"}),

		Generation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketdb_generation",
			Help: "Latest published generation",
		}, []string{"db"}),

		HeldGenerations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketdb_held_generations",
			Help: "Old generations not yet reclaimed because a reader may still use them",
		}, []string{"db"}),

		ActiveGuards: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketdb_active_guards",
			Help: "Read guards acquired and not yet released",
		}, []string{"db"}),

		RetiredNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketdb_retired_nodes",
			Help: "Tree nodes waiting for readers to release them",
		}, []string{"db"}),

		FreeNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketdb_free_nodes",
			Help: "Recycled tree nodes ready for reuse",
		}, []string{"db"}),
	}
}

// dbMetrics is a Metrics view bound to one database name.
type dbMetrics struct {
	ops             *prometheus.CounterVec
	duration        prometheus.ObserverVec
	invalid         prometheus.Counter
	entries         prometheus.Gauge
	generation      prometheus.Gauge
	heldGenerations prometheus.Gauge
	guards          prometheus.Gauge
	retired         prometheus.Gauge
	free            prometheus.Gauge
}

func (m *Metrics) forDB(name string) *dbMetrics {
	labels := prometheus.Labels{"db": name}
	return &dbMetrics{
		ops:             m.Operations.MustCurryWith(labels),
		duration:        m.OperationDuration.MustCurryWith(labels),
		invalid:         m.InvalidArguments.WithLabelValues(name),
		entries:         m.Entries.WithLabelValues(name),
		generation:      m.Generation.WithLabelValues(name),
		heldGenerations: m.HeldGenerations.WithLabelValues(name),
		guards:          m.ActiveGuards.WithLabelValues(name),
		retired:         m.RetiredNodes.WithLabelValues(name),
		free:            m.FreeNodes.WithLabelValues(name),
	}
}

func (m *dbMetrics) observe(stats Stats) {
	m.entries.Set(float64(stats.Entries))
	m.generation.Set(float64(stats.Generation))
	m.heldGenerations.Set(float64(stats.HeldGenerations))
	m.retired.Set(float64(stats.RetiredNodes))
	m.free.Set(float64(stats.FreeNodes))
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "accesslog_transformer"

// Collector provides a central place for all application metrics
type Collector struct {
	// Invocation metrics
	InvocationsTotal  *prometheus.CounterVec
	BatchSize         prometheus.Histogram
	BatchDuration     *prometheus.HistogramVec
	InvocationRejects *prometheus.CounterVec

	// Record metrics
	RecordsTotal       *prometheus.CounterVec
	RecordFailures     *prometheus.CounterVec
	RecordBytesIn      prometheus.Counter
	RecordBytesOut     prometheus.Counter
	RecordParseLatency prometheus.Histogram

	// Quarantine metrics
	QuarantineWrites   *prometheus.CounterVec
	QuarantineRecords  prometheus.Counter
	QuarantineBytes    prometheus.Counter
	QuarantineDuration prometheus.Histogram
	QuarantineCircuit  *prometheus.GaugeVec

	// Worker pool metrics
	WorkerPoolSize   prometheus.Gauge
	WorkerPoolPanics prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
	}

	c.initInvocationMetrics()
	c.initRecordMetrics()
	c.initQuarantineMetrics()
	c.initWorkerPoolMetrics()

	return c
}

func (c *Collector) initInvocationMetrics() {
	c.InvocationsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invocation",
			Name:      "total",
			Help:      "Total number of transformation invocations by entry point",
		},
		[]string{"source"},
	)

	c.BatchSize = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invocation",
			Name:      "batch_size",
			Help:      "Number of records per invocation",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1 to 8192
		},
	)

	c.BatchDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invocation",
			Name:      "duration_seconds",
			Help:      "Time spent transforming one batch",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
		[]string{"source"},
	)

	c.InvocationRejects = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invocation",
			Name:      "rejected_total",
			Help:      "Invocations rejected before transformation",
		},
		[]string{"reason"},
	)
}

func (c *Collector) initRecordMetrics() {
	c.RecordsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "record",
			Name:      "total",
			Help:      "Total number of records by result",
		},
		[]string{"result"},
	)

	c.RecordFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "record",
			Name:      "failures_total",
			Help:      "Total number of failed records by failure kind",
		},
		[]string{"kind"},
	)

	c.RecordBytesIn = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "record",
			Name:      "bytes_in_total",
			Help:      "Total base64 bytes received",
		},
	)

	c.RecordBytesOut = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "record",
			Name:      "bytes_out_total",
			Help:      "Total base64 bytes returned",
		},
	)

	c.RecordParseLatency = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "record",
			Name:      "transform_duration_seconds",
			Help:      "Time spent transforming a single record",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 16), // 1µs to ~65ms
		},
	)
}

func (c *Collector) initQuarantineMetrics() {
	c.QuarantineWrites = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quarantine",
			Name:      "writes_total",
			Help:      "Quarantine archive writes by result",
		},
		[]string{"result"},
	)

	c.QuarantineRecords = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quarantine",
			Name:      "records_total",
			Help:      "Failed records written to the quarantine archive",
		},
	)

	c.QuarantineBytes = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quarantine",
			Name:      "bytes_total",
			Help:      "Compressed bytes written to the quarantine archive",
		},
	)

	c.QuarantineDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "quarantine",
			Name:      "write_duration_seconds",
			Help:      "Quarantine write latency including retries",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.QuarantineCircuit = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quarantine",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per destination (0=closed, 1=open, 2=half-open)",
		},
		[]string{"sink"},
	)
}

func (c *Collector) initWorkerPoolMetrics() {
	c.WorkerPoolSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "size",
			Help:      "Number of workers in the pool",
		},
	)

	c.WorkerPoolPanics = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "panics_total",
			Help:      "Record jobs that panicked and were reported as failed",
		},
	)
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Global metrics collector
var (
	globalCollector *Collector
	once            sync.Once
)

// GetGlobalCollector returns the process-wide metrics collector
func GetGlobalCollector() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

// Methods kept as their own label value; anything else is "other"
var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// Extractor derives traffic metrics from parsed access log entries, so the
// delivery stream's content can be watched without querying the destination
type Extractor struct {
	responses     *prometheus.CounterVec
	responseBytes *prometheus.CounterVec
	responseSize  prometheus.Histogram
}

// NewExtractor registers the traffic metrics on the collector's registry
func (c *Collector) NewExtractor() *Extractor {
	return &Extractor{
		responses: promauto.With(c.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "traffic",
				Name:      "responses_total",
				Help:      "Logged responses by status class and request method",
			},
			[]string{"status_class", "method"},
		),
		responseBytes: promauto.With(c.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "traffic",
				Name:      "response_bytes_total",
				Help:      "Logged response body bytes by status class",
			},
			[]string{"status_class"},
		),
		responseSize: promauto.With(c.registry).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "traffic",
				Name:      "response_size_bytes",
				Help:      "Distribution of logged response body sizes",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
			},
		),
	}
}

// Extract records one parsed entry
func (e *Extractor) Extract(entry *types.AccessLog) {
	class := StatusClass(entry.Response)
	e.responses.WithLabelValues(class, RequestMethod(entry.Request)).Inc()
	e.responseBytes.WithLabelValues(class).Add(float64(entry.Bytes))
	e.responseSize.Observe(float64(entry.Bytes))
}

// StatusClass maps a status code to "1xx" through "5xx", or "other"
func StatusClass(status uint32) string {
	switch status / 100 {
	case 1:
		return "1xx"
	case 2:
		return "2xx"
	case 3:
		return "3xx"
	case 4:
		return "4xx"
	case 5:
		return "5xx"
	default:
		return "other"
	}
}

// RequestMethod returns the method token of a request line
func RequestMethod(request string) string {
	method, _, _ := strings.Cut(request, " ")
	if knownMethods[method] {
		return method
	}
	return "other"
}

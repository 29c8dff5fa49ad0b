package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uastack"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "chunks_total",
			Help:      "Chunks read or written by message type and role.",
		},
		[]string{"direction", "type", "role"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "messages_reassembled_total",
			Help:      "Messages completed by reassembly.",
		},
		[]string{"type"},
	)
	aborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "aborts_total",
			Help:      "Abort chunks sent or received.",
		},
		[]string{"direction"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codec",
			Name:      "decode_errors_total",
			Help:      "Decoding failures by status code.",
		},
		[]string{"status"},
	)
	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "protocol_violations_total",
			Help:      "Connections closed for protocol violations by status code.",
		},
		[]string{"status"},
	)
	tokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "tokens_total",
			Help:      "Security tokens issued or renewed.",
		},
		[]string{"role", "request_type"},
	)
	openChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "open",
			Help:      "Secure channels currently open on this process.",
		},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Service request round trip or handling time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "service", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			chunks, messages, aborts,
			decodeErrors, protocolViolations,
			tokens, openChannels, requestDuration,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordChunk counts one chunk. direction is "read" or "write".
func RecordChunk(direction, msgType, role string) {
	RegisterMetrics()
	chunks.WithLabelValues(direction, msgType, role).Inc()
}

func RecordMessage(msgType string) {
	RegisterMetrics()
	messages.WithLabelValues(msgType).Inc()
}

func RecordAbort(direction string) {
	RegisterMetrics()
	aborts.WithLabelValues(direction).Inc()
}

func RecordDecodeError(status string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(status).Inc()
}

func RecordProtocolViolation(status string) {
	RegisterMetrics()
	protocolViolations.WithLabelValues(status).Inc()
}

// RecordToken counts a token. role is "client" or "server".
func RecordToken(role, requestType string) {
	RegisterMetrics()
	tokens.WithLabelValues(role, requestType).Inc()
}

// ChannelOpened and ChannelClosed track the open channel gauge.
func ChannelOpened() {
	RegisterMetrics()
	openChannels.Inc()
}

func ChannelClosed() {
	RegisterMetrics()
	openChannels.Dec()
}

func RecordRequest(role, service string, duration time.Duration, success bool) {
	RegisterMetrics()
	requestDuration.WithLabelValues(role, service, strconv.FormatBool(success)).Observe(duration.Seconds())
}

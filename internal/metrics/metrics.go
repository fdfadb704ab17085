package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	fragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_fragments_total",
			Help: "Fragments sent or received over the transport",
		},
		[]string{"direction"},
	)

	fragmentsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_fragments_dropped_total",
			Help: "Fragments discarded before reassembly",
		},
		[]string{"reason"},
	)

	relayResultsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_relay_results_dropped_total",
			Help: "Results not forwarded to the cloud because the send queue was full",
		},
		[]string{"type"},
	)

	relayInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_relay_invocations_total",
			Help: "Invocations relayed from the cloud, by outcome",
		},
		[]string{"outcome"},
	)

	relayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_relay_duration_seconds",
			Help:    "Time the cloud relay waited for a local result",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"outcome"},
	)

	pointerObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_pointer_objects_total",
			Help: "Oversized payloads moved through the object store",
		},
		[]string{"op"},
	)

	workersRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_workers_running",
			Help: "Number of local worker processes",
		},
		[]string{"runtime"},
	)

	builds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_builds_total",
			Help: "Function builds by outcome",
		},
		[]string{"runtime", "outcome"},
	)

	buildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_build_duration_seconds",
			Help:    "Function build time in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"runtime"},
	)

	observers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_observers_connected",
			Help: "Number of connected observer sockets",
		},
		[]string{"kind"},
	)

	statePatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_state_patches_total",
			Help: "JSON patch operations emitted by the state store",
		},
	)

	proxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_proxy_requests_total",
			Help: "Requests forwarded through the CORS proxy",
		},
		[]string{"status"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

// RecordFragments counts fragments; direction is "sent" or "received".
func RecordFragments(direction string, n int) {
	fragmentsTotal.WithLabelValues(direction).Add(float64(n))
}

func RecordFragmentDropped(reason string) {
	fragmentsDropped.WithLabelValues(reason).Inc()
}

func RecordResultDropped(eventType string) {
	relayResultsDropped.WithLabelValues(eventType).Inc()
}

func RecordRelayInvocation(outcome string, waited time.Duration) {
	relayInvocations.WithLabelValues(outcome).Inc()
	relayDuration.WithLabelValues(outcome).Observe(waited.Seconds())
}

func RecordPointer(op string) {
	pointerObjects.WithLabelValues(op).Inc()
}

func WorkerStarted(runtime string) {
	workersRunning.WithLabelValues(runtime).Inc()
}

func WorkerStopped(runtime string) {
	workersRunning.WithLabelValues(runtime).Dec()
}

func RecordBuild(runtime, outcome string, duration time.Duration) {
	builds.WithLabelValues(runtime, outcome).Inc()
	buildDuration.WithLabelValues(runtime).Observe(duration.Seconds())
}

func ObserverConnected(kind string) {
	observers.WithLabelValues(kind).Inc()
}

func ObserverDisconnected(kind string) {
	observers.WithLabelValues(kind).Dec()
}

func RecordPatches(n int) {
	statePatches.Add(float64(n))
}

func RecordProxyRequest(status int) {
	proxyRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// NormalizePath collapses unbounded path segments so they can be used as a
// label value.
func NormalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/proxy/"):
		return "/proxy"
	case strings.Contains(path, "/2018-06-01/runtime/"):
		return "/runtime"
	case strings.HasPrefix(path, "/api/functions/") && strings.HasSuffix(path, "/invoke"):
		return "/api/functions/{id}/invoke"
	}
	if len(path) > 100 {
		path = path[:100]
	}
	return path
}

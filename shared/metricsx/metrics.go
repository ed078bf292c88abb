package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_emitted_total",
			Help: "Events emitted, by event type.",
		},
		[]string{"event_type"},
	)
	storeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_store_failures_total",
			Help: "Event store write failures, by tier (ring or log).",
		},
		[]string{"tier"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_active_connections",
			Help: "Currently registered websocket connections.",
		},
	)
	broadcastDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_broadcast_dropped_total",
			Help: "Messages dropped because a connection send buffer was full or closed.",
		},
	)
	catchupRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_catchup_requests_total",
			Help: "Catch-up (sync) requests served.",
		},
	)
	catchupGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_catchup_gaps_total",
			Help: "Catch-up requests whose cursor predated the retention window.",
		},
	)
	presenceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_presence_ops_total",
			Help: "Presence operations, by op (track, remove, expire).",
		},
		[]string{"op"},
	)
	eventsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_events_purged_total",
			Help: "Durable log rows removed by the retention sweep.",
		},
	)
	fabricPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_fabric_publish_failures_total",
			Help: "Broadcast fabric publish failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, eventsEmitted, storeFailures,
		activeConnections, broadcastDropped, catchupRequests, catchupGaps,
		presenceOps, eventsPurged, fabricPublishFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventEmitted(eventType string) {
	eventsEmitted.WithLabelValues(eventType).Inc()
}

func IncStoreFailure(tier string) {
	storeFailures.WithLabelValues(tier).Inc()
}

func ConnectionOpened() {
	activeConnections.Inc()
}

func ConnectionClosed() {
	activeConnections.Dec()
}

func IncBroadcastDropped() {
	broadcastDropped.Inc()
}

func IncCatchupRequest() {
	catchupRequests.Inc()
}

func IncCatchupGap() {
	catchupGaps.Inc()
}

func IncPresenceOp(op string) {
	presenceOps.WithLabelValues(op).Inc()
}

func AddEventsPurged(n int64) {
	eventsPurged.Add(float64(n))
}

func IncFabricPublishFailure() {
	fabricPublishFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

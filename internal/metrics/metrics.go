package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_passes_total",
		Help: "Total number of completed synchronization passes by kind and outcome.",
	}, []string{"kind", "outcome"})

	syncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_events_total",
		Help: "Total number of event records written during sync passes.",
	}, []string{"result"})

	syncPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_sync_pass_duration_seconds",
		Help:    "Histogram of synchronization pass latencies.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_webhook_notifications_total",
		Help: "Total number of inbound webhook notifications by disposition.",
	}, []string{"disposition"})

	dispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calsync_webhook_dispatch_queue_depth",
		Help: "Number of notification jobs waiting for a dispatch worker.",
	})

	subscriptionOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_subscription_operations_total",
		Help: "Total number of subscription lifecycle operations by outcome.",
	}, []string{"operation", "outcome"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveSyncPass records one finished sync pass. Kind is "full" or
// "incremental"; outcome is "ok", "partial", or "error".
func ObserveSyncPass(kind, outcome string, start time.Time) {
	syncPassesTotal.WithLabelValues(kind, outcome).Inc()
	syncPassDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// CountSyncEvents adds to the per-result event counters ("new", "updated", "deleted").
func CountSyncEvents(result string, n int) {
	if n > 0 {
		syncEventsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// CountNotification tracks an inbound notification disposition
// ("accepted", "handshake", "malformed", "dropped", "duplicate", "rejected").
func CountNotification(disposition string) {
	notificationsTotal.WithLabelValues(disposition).Inc()
}

// SetDispatchQueueDepth reports the current dispatch backlog.
func SetDispatchQueueDepth(depth int) {
	dispatchQueueDepth.Set(float64(depth))
}

// CountSubscriptionOp tracks a lifecycle operation ("create", "renew",
// "delete", "cleanup") with outcome "ok" or "error".
func CountSubscriptionOp(operation, outcome string) {
	subscriptionOpsTotal.WithLabelValues(operation, outcome).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

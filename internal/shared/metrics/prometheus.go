package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Workflow metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_transfers_total",
			Help: "Transfer requests by decision (submitted, approved, rejected)",
		},
		[]string{"decision"},
	)

	consultationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_consultations_total",
			Help: "External consultations by decision",
		},
		[]string{"decision"},
	)

	dataRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_data_requests_total",
			Help: "Medical data requests by origin and decision",
		},
		[]string{"origin", "decision"},
	)

	emergencyDedupTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careflow_emergency_dedup_total",
			Help: "Emergency auto-requests skipped because one already exists for the day",
		},
	)

	authorizationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_authorization_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"resource_type", "action", "decision"},
	)

	auditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries created",
		},
	)

	auditFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careflow_audit_failures_total",
			Help: "Audit records that failed after the workflow transaction committed",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_notifications_total",
			Help: "Notification deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	grantsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careflow_grants_expired_total",
			Help: "Approved data requests moved to expired by the sweep",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern labels by chi route template so IDs don't explode cardinality
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// --- Business metric helpers ---

// RecordTransfer records a transfer decision
func RecordTransfer(decision string) {
	transfersTotal.WithLabelValues(decision).Inc()
}

// RecordConsultation records a consultation decision
func RecordConsultation(decision string) {
	consultationsTotal.WithLabelValues(decision).Inc()
}

// RecordDataRequest records a data request decision
func RecordDataRequest(origin, decision string) {
	dataRequestsTotal.WithLabelValues(origin, decision).Inc()
}

// RecordEmergencyDedup records a skipped emergency auto-request
func RecordEmergencyDedup() {
	emergencyDedupTotal.Inc()
}

// RecordAuthorizationDecision records an authorization decision
func RecordAuthorizationDecision(resourceType, action string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authorizationDecisions.WithLabelValues(resourceType, action, decision).Inc()
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry() {
	auditEntriesTotal.Inc()
}

// RecordAuditFailure records an audit write that failed after commit
func RecordAuditFailure() {
	auditFailuresTotal.Inc()
}

// RecordNotification records a notification delivery attempt outcome
func RecordNotification(provider, outcome string) {
	notificationsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordGrantsExpired records grants moved to expired
func RecordGrantsExpired(n int) {
	grantsExpiredTotal.Add(float64(n))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

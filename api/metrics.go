package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lifetrack/billing-ledger/billing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PROMETHEUS METRICS
// =============================================================================

var (
	// httpRequests counts requests by route pattern and status code
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	// httpDuration tracks handler latency
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"method", "route"})

	// ledgerRejections counts writes refused by the billing rules, by kind
	ledgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_ledger_rejections_total",
		Help: "Ledger operations rejected by error kind",
	}, []string{"kind"})

	snapshotsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_snapshots_generated_total",
		Help: "CMS-1500 snapshots generated through the API",
	})

	claimsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_claims_reconciled_total",
		Help: "Claims repaired by reconciliation runs started through the API",
	})
)

// instrument records request count and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// errorKind names the billing error category for metrics and responses.
func errorKind(err error) string {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return "not_found"
	case errors.Is(err, billing.ErrValidation):
		return "validation"
	case errors.Is(err, billing.ErrLockedClaim):
		return "locked_claim"
	case errors.Is(err, billing.ErrInsufficientAmount):
		return "insufficient_amount"
	case errors.Is(err, billing.ErrDependentRecords):
		return "dependent_records"
	case errors.Is(err, billing.ErrIntegrity):
		return "integrity"
	case errors.Is(err, billing.ErrHashMismatch):
		return "hash_mismatch"
	}
	return "internal"
}

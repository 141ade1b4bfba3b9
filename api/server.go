/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recovery:   Panic recovery (500 instead of crash), logged with zerolog
  3. Logger:     One structured zerolog line per request, request-scoped logger in ctx
  4. instrument: Prometheus request count and latency per route
  5. CORS:       Cross-origin requests for the billing frontend

ROUTE GROUPS:
  /api/patients/*          Patients and their coverages
  /api/claims/*            Claims, services, balances, status, snapshots
  /api/services/*          Service edits and charges
  /api/charges/*           Charge edits and balance
  /api/payments/*          Payments and payment balance
  /api/applications        Payment applications (EOB lines)
  /api/adjustments         Charge adjustments
  /api/snapshots/*         Snapshot index, payloads, exports
  /api/provider-settings   Billing identity (boxes 31-33)
  /api/admin/*             Drift, reconciliation, audit
  /api/scenarios/*         Demo data loaders (EnableScenarios only)
  /healthz                 Store readiness
  /metrics                 Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/billing-ledger/main.go: Server startup
*/
package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions configures the parts of the router that vary by deployment.
type RouterOptions struct {
	CORSOrigins []string
	Logger      zerolog.Logger
	// EnableScenarios mounts the demo scenario loaders. Development only.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(recovery(opts.Logger))
	r.Use(requestLogger(opts.Logger))
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Patient routes
		r.Route("/patients", func(r chi.Router) {
			r.Get("/", h.ListPatients)
			r.Post("/", h.CreatePatient)
			r.Get("/{id}", h.GetPatient)
			r.Get("/{id}/coverages", h.ListCoverages)
			r.Post("/{id}/coverages", h.CreateCoverage)
		})

		// Claim routes
		r.Route("/claims", func(r chi.Router) {
			r.Get("/", h.ClaimsOverview)
			r.Post("/", h.CreateClaim)
			r.Get("/{id}", h.GetClaim)
			r.Delete("/{id}", h.DeleteClaim)
			r.Get("/{id}/balance", h.GetClaimBalance)
			r.Get("/{id}/financial-status", h.GetFinancialStatus)
			r.Post("/{id}/status", h.TransitionClaim)
			r.Put("/{id}/cms", h.UpdateClaimCMS)
			r.Get("/{id}/services", h.ListServices)
			r.Post("/{id}/services", h.CreateService)
			r.Get("/{id}/snapshots", h.ListClaimSnapshots)
			r.Post("/{id}/snapshots", h.GenerateSnapshot)
			r.Get("/{id}/snapshots/latest", h.GetLatestSnapshot)
			r.Get("/{id}/snapshots/latest/export", h.ExportLatestSnapshot)
		})

		// Service routes
		r.Route("/services", func(r chi.Router) {
			r.Put("/{id}", h.UpdateService)
			r.Delete("/{id}", h.DeleteService)
			r.Post("/{id}/charges", h.CreateCharge)
		})

		// Charge routes
		r.Route("/charges", func(r chi.Router) {
			r.Put("/{id}", h.UpdateCharge)
			r.Delete("/{id}", h.DeleteCharge)
			r.Get("/{id}/balance", h.GetChargeBalance)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.CreatePayment)
			r.Put("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
			r.Get("/{id}/balance", h.GetPaymentBalance)
		})

		r.Post("/applications", h.CreateApplication)
		r.Post("/adjustments", h.CreateAdjustment)

		// Snapshot routes
		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", h.ListAllSnapshots)
			r.Get("/{id}", h.GetSnapshot)
			r.Get("/{id}/export", h.ExportSnapshot)
		})

		r.Get("/provider-settings", h.GetProviderSettings)
		r.Put("/provider-settings", h.SaveProviderSettings)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/drift", h.DetectDrift)
			r.Post("/reconcile", h.Reconcile)
			r.Get("/audit", h.Audit)
		})

		if opts.EnableScenarios {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqLogger := logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			next.ServeHTTP(ww, r)

			evt := logger.Info()
			if ww.Status() >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("remote_ip", r.RemoteAddr).
				Msg("request")
		})
	}
}

func recovery(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				logger.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("panic", fmt.Sprintf("%v", rec)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")
				writeError(w, http.StatusInternalServerError, "internal server error", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

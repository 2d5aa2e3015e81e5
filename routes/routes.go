package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/upb/provider-router/app"
	"github.com/upb/provider-router/handlers"
	"github.com/upb/provider-router/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	// Core middleware. No global timeout: the routing engine owns request
	// deadlines and streams may outlive a fixed one.
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(logger, deps.ReadinessChecks()...)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	route := handlers.NewRouteHandler(deps.Engine, deps.Providers, logger)
	creds := handlers.NewCredentialHandler(deps.Vault, logger)
	policies := handlers.NewPolicyHandler(deps.Policies, logger)
	budgets := handlers.NewBudgetHandler(deps.Budget, deps.Audit, deps.Config.Budget.DefaultPeriod, logger)
	usage := handlers.NewUsageHandler(deps.Ledger, logger)
	audits := handlers.NewAuditHandler(deps.Audit, logger)

	auth := deps.AuthMiddleware

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Group(func(r chi.Router) {
			r.Use(auth.TenantFromClaims)
			r.Post("/route", route.HandleRoute)
			r.Post("/route/stream", route.HandleRouteStream)
		})

		r.Get("/providers", route.HandleListProviders)

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Use(auth.TenantFromPath("tenantID"))

			r.Route("/credentials", func(r chi.Router) {
				r.Get("/", creds.HandleList)
				r.Post("/", creds.HandleStore)
				r.Post("/rotate", creds.HandleRotate)
			})

			r.Route("/policies", func(r chi.Router) {
				r.Get("/", policies.HandleList)
				r.Get("/{tier}/{task}", policies.HandleGet)
				r.Put("/{tier}/{task}", policies.HandleSet)
				r.Delete("/{tier}/{task}", policies.HandleDelete)
			})

			r.Get("/budget", budgets.HandleGet)
			r.With(auth.RequireRole(middleware.RoleAdmin)).Put("/budget", budgets.HandleSet)

			r.Get("/usage", usage.HandleQuery)
			r.Get("/usage/summary", usage.HandleSummary)

			r.Get("/audit", audits.HandleList)
		})

		r.Delete("/credentials/{credentialID}", creds.HandleRevoke)
		r.Get("/requests/{requestID}/usage", usage.HandleRequest)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return otelhttp.NewHandler(r, "provider-router",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz" && r.URL.Path != "/metrics"
		}))
}

package api

import (
	"net/http"

	"marketplace/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health" &&
					r.URL.Path != "/metrics"
			}),
		))
	}
}

// WithRateLimiter adds request throttling middleware to the router.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(r *mux.Router) {
		r.Use(middleware)
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	if config.Server.CORS.Enabled {
		router.Use(corsMiddleware(config.Server.CORS))
	}
	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware)

	for _, opt := range opts {
		opt(router)
	}

	keys := NewKeyRing(config.Security.APIKeys)
	users := NewUserVerifier(config.Security.JWTSecret, config.Security.JWTIssuer)

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	// Public, guarded by their own per-identifier and per-address limits.
	api.HandleFunc("/captcha/verify", handlers.VerifyCaptcha).Methods("POST")
	api.HandleFunc("/auth/{action}/precheck", handlers.Precheck).Methods("POST")

	serviceAPI := api.PathPrefix("/rate-limit").Subrouter()
	serviceAPI.Use(apiKeyMiddleware(keys, models.PermissionService))
	serviceAPI.HandleFunc("/check", handlers.CheckRateLimit).Methods("POST")

	adminAPI := api.PathPrefix("/rate-limit").Subrouter()
	adminAPI.Use(apiKeyMiddleware(keys, models.PermissionAdmin))
	adminAPI.HandleFunc("/{action}/{identifier}", handlers.GetRateLimit).Methods("GET")
	adminAPI.HandleFunc("/{action}/{identifier}", handlers.ResetRateLimit).Methods("DELETE")

	userAPI := api.PathPrefix("").Subrouter()
	userAPI.Use(userAuthMiddleware(users))
	userAPI.HandleFunc("/contact-requests", handlers.CreateContactRequest).Methods("POST")
	userAPI.HandleFunc("/contact-requests/sent", handlers.ListSentContactRequests).Methods("GET")
	userAPI.HandleFunc("/contact-requests/received", handlers.ListReceivedContactRequests).Methods("GET")
	userAPI.HandleFunc("/contact-requests/{id}", handlers.UpdateContactRequestStatus).Methods("PATCH")
	userAPI.HandleFunc("/contact-requests/{id}/contact-info", handlers.GetContactInfo).Methods("GET")
	userAPI.HandleFunc("/profiles/me", handlers.UpsertProfile).Methods("PUT")

	// Preflight requests need a matching route for the CORS middleware to run.
	api.PathPrefix("").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods("OPTIONS")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, models.ErrorCodeNotFound, "Not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, models.ErrorCodeBadRequest, "Method not allowed")
	})

	return router
}

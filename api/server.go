/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in the access log
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured access log through slog
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for staff clients

ROUTE GROUPS:
  /api/items/*               Item records, queues, due date preview
  /api/users/*               User records
  /api/loans/*               Check out, list, renew, check in
  /api/requests/*            Request placement, lookup and cancellation
  /api/loan-policies/*       Loan policy documents
  /api/request-policies/*    Request policy documents
  /api/fixed-due-date-schedules/*
  /api/circulation-rules/*   Policy resolution
  /healthz                   Liveness and store reachability

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that provides it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the router. The zero value is usable.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/items/{id}", func(r chi.Router) {
			r.Put("/", h.PutItem)
			r.Get("/queue", h.GetQueue)
			r.Get("/due-date", h.PreviewDueDate)
		})

		r.Put("/users/{id}", h.PutUser)

		r.Route("/loans", func(r chi.Router) {
			r.Post("/", h.CheckOut)
			r.Get("/", h.ListLoans)
			r.Get("/{id}", h.GetLoan)
			r.Post("/{id}/renew", h.Renew)
			r.Post("/{id}/override-renewal", h.OverrideRenewal)
			r.Post("/{id}/check-in", h.CheckIn)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.CreateRequest)
			r.Get("/", h.ListRequests)
			r.Get("/{id}", h.GetRequest)
			r.Delete("/{id}", h.CancelRequest)
		})

		r.Route("/loan-policies", func(r chi.Router) {
			r.Get("/", h.ListLoanPolicies)
			r.Get("/{id}", h.GetLoanPolicy)
			r.Put("/{id}", h.PutLoanPolicy)
		})
		r.Put("/request-policies/{id}", h.PutRequestPolicy)
		r.Put("/fixed-due-date-schedules/{id}", h.PutSchedule)

		r.Route("/circulation-rules", func(r chi.Router) {
			r.Get("/loan-policy", h.ApplyLoanPolicy)
			r.Get("/loan-policy-all", h.ApplyAllLoanPolicies)
		})
	})

	return r
}

// accessLog logs one line per request through the handler's logger.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		h.log.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request log (method, path, status, duration, request_id)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. Actor:      X-Actor-ID header into the request context for audit entries

ROUTE GROUPS:
  /api/fee-records/*     Fee records, schedules, payments, waivers, audit
  /api/payments/*        Allocations and full reversals
  /api/allocations/*     Partial reversals
  /api/enrollments       Batch enable tracking
  /api/students/*        Student directory
  /api/fee-structures/*  Class fee structures
  /api/admin/*           Overdue sweep
  /api/scenarios/*       Demo scenarios

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
	"go.uber.org/zap"

	"github.com/warp/fee-ledger/ledger"
)

// ActorHeader names the acting user recorded in audit entries.
const ActorHeader = "X-Actor-ID"

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", ActorHeader},
		AllowCredentials: true,
	}))
	r.Use(actorFromHeader)

	r.Route("/api", func(r chi.Router) {
		r.Route("/fee-records", func(r chi.Router) {
			r.Get("/", h.ListFeeRecords)
			r.Post("/", h.CreateFeeRecord)
			r.Get("/{id}", h.GetFeeRecord)
			r.Post("/{id}/schedule", h.GenerateSchedule)
			r.Get("/{id}/obligations", h.ListObligations)
			r.Get("/{id}/payments", h.ListPayments)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Post("/{id}/waiver", h.ApplyWaiver)
			r.Get("/{id}/audit", h.GetAudit)
			r.Get("/{id}/conservation", h.CheckConservation)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/{id}/allocations", h.ListAllocations)
			r.Post("/{id}/reverse", h.ReversePayment)
		})

		r.Post("/allocations/{id}/reverse", h.ReverseAllocation)

		r.Post("/enrollments", h.EnableTracking)

		r.Route("/students", func(r chi.Router) {
			r.Post("/", h.CreateStudent)
			r.Get("/{id}", h.GetStudent)
			r.Delete("/{id}", h.DeleteStudent)
		})

		r.Route("/fee-structures", func(r chi.Router) {
			r.Get("/", h.ListFeeStructures)
			r.Post("/", h.CreateFeeStructure)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/overdue", h.OverdueStatus)
			r.Post("/overdue", h.TriggerOverdue)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func actorFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := r.Header.Get(ActorHeader); actor != "" {
			r = r.WithContext(ledger.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

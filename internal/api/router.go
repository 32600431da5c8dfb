// Package api assembles the HTTP surface of the circulation service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"libraai/internal/audit"
	"libraai/internal/circulation"
	"libraai/internal/reconcile"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReconcileRunner triggers one reconciliation pass.
type ReconcileRunner interface {
	Run(ctx context.Context) (*reconcile.Result, error)
}

// AuditRunner runs the invariant audit.
type AuditRunner interface {
	Run(ctx context.Context) (*audit.Report, error)
	LastReport() *audit.Report
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Circulation *circulation.Handler
	Reconciler  ReconcileRunner
	Auditor     AuditRunner
	Auth        *Authenticator
	Limiter     *RateLimiter
	Health      Pinger // optional
	Logger      *zap.Logger
	Timeout     time.Duration
}

// NewRouter wires middleware and routes.
func NewRouter(d Deps) http.Handler {
	if d.Timeout <= 0 {
		d.Timeout = 60 * time.Second
	}
	admin := &adminHandler{reconciler: d.Reconciler, auditor: d.Auditor, logger: d.Logger.Named("admin")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(d.Timeout))

	r.Get("/health", healthHandler(d.Health))

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)
		r.Use(d.Limiter.Middleware)

		d.Circulation.Routes(r)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/reconciliation/run", admin.runReconciliation)
			r.Post("/audit/run", admin.runAudit)
			r.Get("/audit/last", admin.lastAudit)
		})
	})
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

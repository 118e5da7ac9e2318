package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chatwire/session-gateway/internal/http/handler"
	"github.com/chatwire/session-gateway/internal/http/middleware"
	"github.com/chatwire/session-gateway/internal/http/response"
)

// ReadinessCheck probes one dependency. Name is reported per check.
type ReadinessCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Dependencies struct {
	SessionHandler *handler.SessionHandler
	Readiness      []ReadinessCheck
	EnableOTelHTTP bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.BodyLimit(1 << 20))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		results := make([]map[string]string, 0, len(dep.Readiness))
		ready := true
		for _, check := range dep.Readiness {
			status := "ok"
			if err := check.Probe(r.Context()); err != nil {
				status = err.Error()
				ready = false
			}
			results = append(results, map[string]string{"name": check.Name, "status": status})
		}
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", dep.SessionHandler.Create)
			r.Get("/", dep.SessionHandler.List)
			r.Get("/{id}", dep.SessionHandler.Get)
			r.Delete("/{id}", dep.SessionHandler.Delete)
			r.Post("/{id}/messages", dep.SessionHandler.SendMessage)
		})
		r.Get("/events/recent", dep.SessionHandler.RecentEvents)
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}

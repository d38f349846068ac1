// Package httpapi exposes the control plane (§6.1) over HTTP via chi, and
// mounts the broadcaster's WebSocket upgrade endpoints alongside it.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/stakeordie/emp-job-queue-sub012/internal/broadcaster"
	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
)

// NewRouter wires the submission control plane and WebSocket endpoints
// into a chi.Router.
func NewRouter(jobs *jobrepo.Repository, bc *broadcaster.Broadcaster) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	h := &handlers{jobs: jobs}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.submitJob)
		r.Get("/", h.queryJobs)
		r.Get("/{id}", h.getJob)
		r.Delete("/{id}", h.cancelJob)
	})
	r.Get("/stats", h.queueStats)
	r.Get("/healthz", h.health)

	r.Get("/ws/monitor/{id}", bc.MonitorHandler)
	r.Get("/ws/client/{id}", bc.ClientHandler(jobs))
	r.Get("/ws/worker/{id}", bc.WorkerHandler)

	return r
}

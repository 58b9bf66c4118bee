package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/api/handler"
	apimw "github.com/notifyhub/signal-sync/internal/api/middleware"
)

// Deps are the collaborators the HTTP surface needs. In the agent they are
// the signal service and the scheduler.
type Deps struct {
	Signals handler.Enqueuer
	Status  handler.StatusSource
	Sync    handler.SyncController
	Metrics prometheus.Gatherer
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(deps Deps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(4 << 20)) // audio chunks are the largest records
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	hh := handler.NewHealthHandler(time.Now())
	sh := handler.NewStatusHandler(deps.Status, logger)
	yh := handler.NewSyncHandler(deps.Sync, logger)
	gh := handler.NewSignalHandler(deps.Signals, logger)

	// --- routes ---
	r.Get("/health", hh.Health)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", sh.GetStatus)
		r.Post("/sync", yh.SyncNow)
		r.Put("/schedule", yh.UpdateSchedule)
		r.Post("/signals/{stream}", gh.Enqueue)
	})

	return r
}

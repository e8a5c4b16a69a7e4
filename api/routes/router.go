package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/backoffice-core/api/controllers"
	"github.com/angelmondragon/backoffice-core/api/middleware"
	"github.com/angelmondragon/backoffice-core/internal/scheduler"
	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
)

type RouterParams struct {
	Config       *config.Config
	Logger       *logger.Logger
	Gatherer     prometheus.Gatherer
	Dependencies map[string]controllers.Pinger
	Outbox       *outbox.Repository
	Orchestrator *scheduler.Orchestrator
}

func NewRouter(params RouterParams) http.Handler {
	logg := params.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	var stats controllers.QueueStatsReader
	if params.Outbox != nil {
		stats = params.Outbox
	}

	r.Get("/healthz", controllers.Healthz(params.Config))
	r.Get("/readyz", controllers.Readyz(params.Config, logg, params.Dependencies, stats))

	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalSecret(params.Config.Internal.TriggerSecret, logg))
		if params.Orchestrator != nil {
			r.Post("/runners/{name}/run", controllers.RunRunner(params.Orchestrator, logg))
		}
		if params.Outbox != nil {
			r.Post("/outbox/{id}/requeue", controllers.RequeueEvent(params.Outbox, logg))
			r.Get("/outbox/dlq", controllers.ListDeadLetters(params.Outbox.DeadLetters(), logg))
			r.Get("/outbox/{id}/dlq", controllers.GetDeadLetter(params.Outbox.DeadLetters(), logg))
		}
	})

	return r
}

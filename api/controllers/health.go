package controllers

import (
	"context"
	"net/http"
	"sort"

	"github.com/angelmondragon/backoffice-core/api/responses"
	"github.com/angelmondragon/backoffice-core/pkg/config"
	pkgerrors "github.com/angelmondragon/backoffice-core/pkg/errors"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
)

const envHeader = "X-Backoffice-Env"

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

type QueueStatsReader interface {
	GetQueueStats(ctx context.Context) (outbox.QueueStats, error)
}

func Healthz(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// Readyz pings every dependency and reports the outbox queue depth.
func Readyz(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger, stats QueueStatsReader) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		w.Header().Set(envHeader, cfg.App.Env)
		for _, name := range names {
			ping := deps[name]
			if ping == nil {
				continue
			}
			if err := ping(ctx); err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable").
					WithDetails(map[string]string{"dependency": name}))
				return
			}
		}

		body := map[string]any{"status": "ready"}
		if stats != nil {
			qs, err := stats.GetQueueStats(ctx)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "outbox stats unavailable"))
				return
			}
			body["outbox"] = map[string]any{
				"pending":                    qs.Pending,
				"processing":                 qs.Processing,
				"failed":                     qs.Failed,
				"oldest_pending_age_seconds": qs.OldestPendingAge.Seconds(),
			}
		}
		responses.WriteSuccess(w, body)
	}
}

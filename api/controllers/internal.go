package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/backoffice-core/api/responses"
	"github.com/angelmondragon/backoffice-core/internal/scheduler"
	"github.com/angelmondragon/backoffice-core/pkg/db/models"
	"github.com/angelmondragon/backoffice-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/backoffice-core/pkg/errors"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
)

type runnerTrigger interface {
	RunRunner(ctx context.Context, name string) (scheduler.Report, error)
}

type eventRequeuer interface {
	Requeue(ctx context.Context, id uuid.UUID) (*outbox.Event, error)
}

type deadLetterReader interface {
	List(ctx context.Context, filter outbox.DLQFilter) ([]models.OutboxDLQ, error)
	FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error)
}

type deadLetterResponse struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	EventType     string    `json:"event_type"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Reason        string    `json:"reason"`
	Error         *string   `json:"error,omitempty"`
	Attempts      int       `json:"attempts"`
	FailedAt      time.Time `json:"failed_at"`
}

func toDeadLetterResponse(entry models.OutboxDLQ) deadLetterResponse {
	return deadLetterResponse{
		ID:            entry.ID.String(),
		EventID:       entry.EventID.String(),
		TenantID:      entry.TenantID.String(),
		EventType:     entry.EventType,
		CorrelationID: entry.CorrelationID,
		Reason:        string(entry.ErrorReason),
		Error:         entry.ErrorMessage,
		Attempts:      entry.AttemptCount,
		FailedAt:      entry.FailedAt.UTC(),
	}
}

type runnerResponse struct {
	Runner     string `json:"runner"`
	Processed  int    `json:"processed"`
	Updated    int    `json:"updated"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
	DurationMS int64  `json:"duration_ms"`
}

// RunRunner executes one runner immediately under the scheduler lock.
func RunRunner(trigger runnerTrigger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := chi.URLParam(r, "name")

		report, err := trigger.RunRunner(ctx, name)
		switch {
		case errors.Is(err, scheduler.ErrUnknownRunner):
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "unknown runner "+name))
			return
		case errors.Is(err, scheduler.ErrLockHeld):
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeLockHeld, err, "scheduler busy"))
			return
		case err != nil:
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "scheduler lock unavailable"))
			return
		}

		responses.WriteSuccess(w, runnerResponse{
			Runner:     report.Runner,
			Processed:  report.ProcessedCount,
			Updated:    report.UpdatedCount,
			Skipped:    report.SkippedCount,
			Errors:     report.ErrorCount,
			DurationMS: report.Duration.Milliseconds(),
		})
	}
}

// RequeueEvent re-emits a FAILED outbox event as a new PENDING event.
func RequeueEvent(repo eventRequeuer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid outbox event id"))
			return
		}

		copied, err := repo.Requeue(ctx, id)
		switch {
		case errors.Is(err, outbox.ErrEventNotFound):
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "outbox event not found"))
			return
		case errors.Is(err, outbox.ErrNotRequeueable):
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "only FAILED events can be requeued"))
			return
		case err != nil:
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"outbox_id":      id.String(),
				"requeued_as_id": copied.ID.String(),
			}), "outbox event requeued")
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{
			"id":            copied.ID.String(),
			"requeued_from": id.String(),
			"status":        string(copied.Status),
		})
	}
}

func parseDLQFilter(r *http.Request) (outbox.DLQFilter, error) {
	q := r.URL.Query()
	filter := outbox.DLQFilter{EventType: q.Get("event_type")}

	if raw := q.Get("reason"); raw != "" {
		reason, err := enums.ParseOutboxDLQErrorReason(raw)
		if err != nil {
			return filter, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid reason")
		}
		filter.Reason = reason
	}
	if raw := q.Get("tenant_id"); raw != "" {
		tenant, err := uuid.Parse(raw)
		if err != nil {
			return filter, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tenant_id")
		}
		filter.TenantID = tenant
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

// ListDeadLetters returns dead-lettered events, newest first.
func ListDeadLetters(repo deadLetterReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		filter, err := parseDLQFilter(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		rows, err := repo.List(ctx, filter)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		out := make([]deadLetterResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, toDeadLetterResponse(row))
		}
		responses.WriteSuccess(w, out)
	}
}

// GetDeadLetter returns the latest dead-letter entry for one outbox event.
func GetDeadLetter(repo deadLetterReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid outbox event id"))
			return
		}

		entry, err := repo.FindByEventID(ctx, id)
		switch {
		case errors.Is(err, outbox.ErrDLQEntryNotFound):
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "no dead-letter entry for event"))
			return
		case err != nil:
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toDeadLetterResponse(*entry))
	}
}

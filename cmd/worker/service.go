package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/backoffice-core/internal/scheduler"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

type tickLoop interface {
	Run(ctx context.Context, trigger scheduler.Trigger) error
}

type ServiceParams struct {
	Logger  *logger.Logger
	Loop    tickLoop
	Trigger scheduler.Trigger
	Server  *http.Server
}

// Service runs the tick loop and the HTTP server until the context is cancelled.
type Service struct {
	logg    *logger.Logger
	loop    tickLoop
	trigger scheduler.Trigger
	server  *http.Server
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Loop == nil {
		return nil, errors.New("tick loop is required")
	}
	if params.Trigger == nil {
		return nil, errors.New("trigger is required")
	}
	if params.Server == nil {
		return nil, errors.New("http server is required")
	}
	return &Service{
		logg:    params.Logger,
		loop:    params.Loop,
		trigger: params.Trigger,
		server:  params.Server,
	}, nil
}

// Run returns nil on a clean shutdown. The tick in flight when ctx is cancelled
// finishes its outcome reporting before the loop exits.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.loop.Run(gctx, s.trigger)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		s.logg.Info(s.logg.WithField(gctx, "addr", s.server.Addr), "http server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logg.Error(shutdownCtx, "http server shutdown failed", err)
		}
		return nil
	})

	return g.Wait()
}

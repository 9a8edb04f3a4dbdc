package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/you-humble/datacollector/internal/transport"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context, cfgPath string) *app {
	di := newDI(cfgPath)
	di.Logger()
	mux := http.NewServeMux()
	return &app{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.WithRecover(
				transport.LogMiddleware(
					di.Router(ctx).MountRoutes(mux),
				),
			),
		},
	}
}

func (a *app) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	d := a.di.Dispatcher(runCtx)
	if d != nil {
		if err := d.Run(runCtx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", e.Error()))
			errCh <- e
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.di.Config().ShutdownTimeout,
	)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}

	cancelRun()
	if d != nil {
		d.Stop(shutdownCtx)
	}

	if err := a.di.Orchestrator(ctx).Shutdown(shutdownCtx); err != nil {
		slog.Error("orchestrator shutdown error", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}

	if a.di.natsConn != nil {
		a.di.natsConn.Close()
	}
	if a.di.redis != nil {
		_ = a.di.redis.Close()
	}

	if runErr == nil {
		slog.Info("server gracefully stopped")
	}
	return runErr
}

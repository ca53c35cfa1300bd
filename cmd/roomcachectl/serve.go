package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/roomcache/pkg/roomcache"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Keep the cache fresh in the background and serve health and metrics",
	Before: prepareApp,
	After:  closeApp,
	Action: cmdServe,
}

func cmdServe(ctx *cli.Context) error {
	engine := getEngine(ctx)
	cfg := getConfig(ctx)
	log := zerolog.Ctx(ctx.Context)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := suture.New("roomcache", suture.Spec{
		EventHook: func(evt suture.Event) {
			log.Warn().Any("event", evt.Map()).Msg("Supervisor event")
		},
		Timeout: 10 * time.Second,
	})
	for _, svc := range engine.Services() {
		root.Add(svc)
	}
	if cfg.Health.Listen != "" {
		server := &http.Server{
			Addr:              cfg.Health.Listen,
			Handler:           newRouter(engine),
			ReadHeaderTimeout: 5 * time.Second,
		}
		root.Add(newHTTPService(server, 10*time.Second))
		log.Info().Str("listen", cfg.Health.Listen).Msg("Serving health and metrics")
	}
	if !engine.Configured() {
		log.Warn().Msg("No homeserver configured, background sync is disabled")
	}

	err := root.Serve(runCtx)
	if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
		log.Info().Msg("Shutting down")
		return nil
	}
	return err
}

func newRouter(engine *roomcache.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", engine.Health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// httpService runs an http.Server as a supervised service.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func newHTTPService(server *http.Server, shutdownTimeout time.Duration) *httpService {
	return &httpService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *httpService) String() string {
	return "http server " + h.server.Addr
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wrale/smart-launch/cmd/smart-launch/handlers/callback"
	"github.com/wrale/smart-launch/cmd/smart-launch/handlers/flow"
	"github.com/wrale/smart-launch/cmd/smart-launch/handlers/health"
	"github.com/wrale/smart-launch/cmd/smart-launch/handlers/sandbox"
	"github.com/wrale/smart-launch/internal/templates"
)

type server struct {
	cfg    Config
	router *chi.Mux
	app    *app
}

// newServer builds the router. Flows started over HTTP run under base.
func newServer(base context.Context, a *app) (*server, error) {
	tmpls, err := templates.LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	srv := &server{
		cfg:    a.cfg,
		router: chi.NewRouter(),
		app:    a,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(requestLogger(a.logger))
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.Timeout(a.cfg.RequestTimeout))

	srv.routes(base, tmpls)
	return srv, nil
}

func (s *server) routes(base context.Context, tmpls *templates.Templates) {
	logger := s.app.logger

	s.router.Method(http.MethodGet, "/health",
		health.New(map[string]health.Checker{"credential_store": s.app.correlator}).WithVersion(Version))

	flows := flow.New(base, s.app.orch, tmpls, logger)
	s.router.Get("/", flows.Home)
	s.router.Get("/orgs", flows.Orgs)
	s.router.Get("/quick-picks", flows.QuickPicks)
	s.router.Post("/launch", flows.Launch)
	s.router.Post("/launch/cancel", flows.Cancel)
	s.router.Get("/state", flows.State)

	callbacks := callback.New(s.app.orch, tmpls, logger)
	s.router.Get("/oauth-callback", callbacks.OAuthCallback)
	if path := s.cfg.callbackPath(); path != "" && path != "/oauth-callback" {
		s.router.Get(path, callbacks.OAuthCallback)
	}
	s.router.Get("/deeplink", callbacks.DeepLink)
	s.router.Post("/deeplink", callbacks.DeepLink)

	controls := sandbox.New(s.app.bridge)
	s.router.Route("/sandbox", func(r chi.Router) {
		r.Get("/", controls.Status)
		r.Post("/cancel", controls.Cancel)
		r.Post("/continue", controls.Continue)
		r.Post("/navigate", controls.Navigate)
	})
}

// httpServer wraps the router with the configured timeouts
func (s *server) httpServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
}

// listenAndServe runs the server until ctx ends, then shuts it down
func (s *server) listenAndServe(ctx context.Context) error {
	httpServer := s.httpServer()
	logger := s.app.logger

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Int("port", s.cfg.Port).Msg("server listening")
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("starting server: %w", err)

	case <-ctx.Done():
		logger.Info().Msg("starting shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutting down server")
			if err := httpServer.Close(); err != nil {
				logger.Error().Err(err).Msg("closing server")
			}
			return err
		}
		return nil
	}
}

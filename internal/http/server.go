// README: API server; serves the router and shuts down with the tracking sessions.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"proptrack/internal/modules/tracking"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	srv      *http.Server
	sessions *tracking.Manager
	logger   *slog.Logger
}

func NewServer(addr string, deps RouterDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		sessions: deps.Sessions,
		logger:   logger,
	}
}

// Run serves until ctx is done, then drains requests and closes every
// tracking session so each agent gets its offline write.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := errors.Join(serveErr, s.srv.Shutdown(shutdownCtx))
	if closeErr := s.sessions.CloseAll(shutdownCtx); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	s.logger.Info("http server stopped")
	return err
}

package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/autopeer-io/tripsync/pkg/log"
	"github.com/autopeer-io/tripsync/pkg/options"
)

// HTTPServer serves a handler until its context is done, then shuts down gracefully.
type HTTPServer struct {
	server  *http.Server
	options *options.HttpOptions
}

func NewHTTPServer(opts *options.HttpOptions, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           handler,
			ReadHeaderTimeout: opts.ReadTimeout,
			ReadTimeout:       opts.ReadTimeout,
		},
		options: opts,
	}
}

func (s *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	log.Info("Starting HTTP server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.options.ShutdownTimeout)
		defer cancel()
		log.Info("Shutting down HTTP server")
		return s.server.Shutdown(shutdownCtx)
	}
}

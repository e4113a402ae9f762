// Package server hosts the catch-all HTTP listener and the optional
// Prometheus listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xReLogic/carsxml/internal/logging"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Server binds once and serves Handler on every path.
type Server struct {
	ListenAddr  string
	MetricsAddr string // empty disables the metrics listener
	Handler     http.Handler

	listener        net.Listener
	metricsListener net.Listener
}

// Listen binds the main (and, if configured, the metrics) address. A bind
// failure is returned so the caller can exit before announcing anything.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.ListenAddr, err)
	}
	s.listener = ln

	if s.MetricsAddr != "" {
		mln, err := net.Listen("tcp", s.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen metrics %s: %w", s.MetricsAddr, err)
		}
		s.metricsListener = mln
	}
	return nil
}

// Addr returns the bound address of the main listener.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsListenAddr returns the bound address of the metrics listener, if any.
func (s *Server) MetricsListenAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Serve runs until ctx is canceled, then shuts both listeners down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	servers := []*http.Server{newHTTPServer(s.Handler)}
	listeners := []net.Listener{s.listener}

	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, newHTTPServer(mux))
		listeners = append(listeners, s.metricsListener)
		logging.LogInfo("metrics_server_start", map[string]interface{}{
			"listen_addr": s.metricsListener.Addr().String(),
		})
	}

	logging.LogHTTPServerStart(s.listener.Addr().String())

	errCh := make(chan error, len(servers))
	for i := range servers {
		srv, ln := servers[i], listeners[i]
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// The serve context may already be done; give in-flight requests a fresh deadline.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.LogError("shutdown_error", map[string]interface{}{"error": err})
		}
	}
	return serveErr
}

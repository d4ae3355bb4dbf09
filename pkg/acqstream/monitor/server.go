// Package monitor serves read-only server state over HTTP: JSON status
// endpoints and the Prometheus exposition.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Source provides the JSON documents the monitor serves.
type Source interface {
	Status() interface{}
	Connectors() interface{}
	Clients() interface{}
}

type Server struct {
	source   Source
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	srv      *http.Server

	mu sync.Mutex
	ln net.Listener
}

func NewServer(source Source, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		source:   source,
		gatherer: gatherer,
		logger:   logger,
	}
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	handler := httprouter.New()
	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Location", "/status")
		w.WriteHeader(http.StatusFound)
	})
	handler.GET("/status", s.serveJSON(s.source.Status))
	handler.GET("/connectors", s.serveJSON(s.source.Connectors))
	handler.GET("/clients", s.serveJSON(s.source.Clients))
	handler.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return handler
}

func (s *Server) serveJSON(get func() interface{}) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(get()); err != nil {
			s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("error writing monitor response")
		}
	}
}

func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listener: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run serves until Stop.
func (s *Server) Run() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("monitor not listening")
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("monitor listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

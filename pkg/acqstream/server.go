// Package acqstream is a real-time acquisition streaming server. Clients
// start and stop connectors over a line-based command channel and receive the
// active connector's data as a stream of tags on a separate data channel.
package acqstream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/acqstream/monitor"
	"github.com/norasector/acqstream/pkg/retry"
	"github.com/norasector/acqstream/pkg/ringbuffer"
	"github.com/norasector/acqstream/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCommandAddr    = ":4217"
	DefaultDataAddr       = ":4218"
	DefaultBufferCapacity = 64
	DefaultWriteTimeout   = 2 * time.Second
	DefaultWriteRetries   = 3
	DefaultReadPoll       = 250 * time.Millisecond
)

type Options struct {
	CommandAddr string
	DataAddr    string

	BufferCapacity int
	BufferPolicy   ringbuffer.Policy

	WriteTimeout time.Duration
	WriteRetries int
	ReadPoll     time.Duration

	Restart retry.Config
}

func (o *Options) applyDefaults() {
	if o.CommandAddr == "" {
		o.CommandAddr = DefaultCommandAddr
	}
	if o.DataAddr == "" {
		o.DataAddr = DefaultDataAddr
	}
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = DefaultBufferCapacity
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.WriteRetries < 0 {
		o.WriteRetries = 0
	}
	if o.ReadPoll <= 0 {
		o.ReadPoll = DefaultReadPoll
	}
}

type Server struct {
	opts        Options
	manager     *Manager
	commands    *command.Registry
	control     *CommandServer
	data        *DataServer
	monitor     *monitor.Server
	monitorAddr string
	writeAPI    api.WriteAPI
	registry    *prometheus.Registry
	logger      zerolog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

type ServerOption func(s *Server) error

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) ServerOption {
	return func(s *Server) error {
		s.writeAPI = writeAPI
		return nil
	}
}

// WithPrometheus registers the server metrics on reg instead of a private
// registry.
func WithPrometheus(reg *prometheus.Registry) ServerOption {
	return func(s *Server) error {
		s.registry = reg
		return nil
	}
}

// WithMonitor serves the monitor HTTP endpoints on addr.
func WithMonitor(addr string) ServerOption {
	return func(s *Server) error {
		s.monitorAddr = addr
		return nil
	}
}

func NewServer(opts Options, connectors []connector.Registration, options ...ServerOption) (*Server, error) {
	opts.applyDefaults()
	s := &Server{
		opts:     opts,
		writeAPI: &util.DiscardWriteAPI{}, // overwritten with option
		registry: prometheus.NewRegistry(),
		logger:   log.Logger,
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	metrics, err := newServerMetrics(s.registry)
	if err != nil {
		return nil, err
	}
	bufMetrics, err := ringbuffer.NewMetrics(s.registry, "session")
	if err != nil {
		return nil, err
	}

	s.manager = NewManager(ManagerOptions{
		BufferCapacity: opts.BufferCapacity,
		BufferPolicy:   opts.BufferPolicy,
		BufferMetrics:  bufMetrics,
		Restart:        opts.Restart,
	}, s.writeAPI, s.logger.With().Str("component", "manager").Logger())
	for _, reg := range connectors {
		if err := s.manager.Register(reg); err != nil {
			return nil, err
		}
	}

	s.data = newDataServer(DataServerOptions{
		WriteTimeout: opts.WriteTimeout,
		WriteRetries: opts.WriteRetries,
		ReadPoll:     opts.ReadPoll,
	}, s.manager, s.writeAPI, metrics, s.logger.With().Str("component", "data").Logger())

	s.commands = command.NewRegistry(
		command.WithErrorFormatter(FormatError),
		command.WithLogger(s.logger.With().Str("component", "control").Logger()),
	)
	if err := s.registerCommands(); err != nil {
		return nil, err
	}
	s.control = newCommandServer(s.commands, s.writeAPI, metrics, s.logger.With().Str("component", "control").Logger())

	if s.monitorAddr != "" {
		s.monitor = monitor.NewServer(monitorSource{s}, s.registry, s.logger.With().Str("component", "monitor").Logger())
	}
	return s, nil
}

func (s *Server) Manager() *Manager { return s.manager }

func (s *Server) Commands() *command.Registry { return s.commands }

func (s *Server) ControlAddr() net.Addr { return s.control.Addr() }

func (s *Server) DataAddr() net.Addr { return s.data.Addr() }

func (s *Server) MonitorAddr() net.Addr {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Addr()
}

// Listen binds every listener. A bind failure closes the ones already bound.
func (s *Server) Listen() error {
	if err := s.control.Listen(s.opts.CommandAddr); err != nil {
		return err
	}
	if err := s.data.Listen(s.opts.DataAddr); err != nil {
		s.control.Close()
		return err
	}
	if s.monitor != nil {
		if err := s.monitor.Listen(s.monitorAddr); err != nil {
			s.control.Close()
			s.data.Close()
			return err
		}
	}
	return nil
}

// Serve runs the accept loops until ctx ends or one of them fails, then shuts
// the server down.
func (s *Server) Serve(ctx context.Context) error {
	if s.ControlAddr() == nil || s.DataAddr() == nil {
		return errors.New("server not listening")
	}
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(s.control.Serve)
	eg.Go(s.data.Serve)
	if s.monitor != nil {
		eg.Go(s.monitor.Run)
	}
	eg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.done:
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	s.logger.Info().
		Str("command_addr", s.ControlAddr().String()).
		Str("data_addr", s.DataAddr().String()).
		Int("connectors", len(s.manager.Connectors())).
		Msg("Starting")

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Shutdown stops the active connector first, then closes listeners and
// connections. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("shutting down")
		err := s.manager.Shutdown(ctx)
		if cerr := s.control.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		if derr := s.data.Close(); err == nil && derr != nil && !errors.Is(derr, net.ErrClosed) {
			err = derr
		}
		if s.monitor != nil {
			if merr := s.monitor.Stop(ctx); err == nil {
				err = merr
			}
		}
		s.writeAPI.Flush()
		s.shutdownErr = err
		close(s.done)
	})
	return s.shutdownErr
}

type monitorSource struct {
	s *Server
}

func (m monitorSource) Status() interface{} { return m.s.manager.Status() }

func (m monitorSource) Connectors() interface{} {
	return map[string]interface{}{"connectors": m.s.manager.Connectors()}
}

func (m monitorSource) Clients() interface{} {
	return map[string]interface{}{"clients": m.s.data.Clients()}
}

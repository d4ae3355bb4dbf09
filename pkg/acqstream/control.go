package acqstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/rs/zerolog"
)

// MaxCommandLine bounds one command line.
const MaxCommandLine = 64 << 10

// CommandServer accepts control connections and answers one response per
// command line. Handlers run on the connection goroutine, never on the
// accept loop.
type CommandServer struct {
	registry *command.Registry
	writeAPI api.WriteAPI
	metrics  *serverMetrics
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
}

func newCommandServer(registry *command.Registry, writeAPI api.WriteAPI, metrics *serverMetrics, logger zerolog.Logger) *CommandServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandServer{
		registry: registry,
		writeAPI: writeAPI,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

func (c *CommandServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("command listener: %w", err)
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()
	return nil
}

func (c *CommandServer) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

func (c *CommandServer) Serve() error {
	c.mu.Lock()
	ln := c.ln
	c.mu.Unlock()
	if ln == nil {
		return errors.New("command server not listening")
	}

	c.logger.Info().Str("addr", ln.Addr().String()).Msg("command server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			conn.Close()
			continue
		}
		c.conns[conn] = struct{}{}
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			c.handle(conn)
		}()
	}
}

func (c *CommandServer) handle(conn net.Conn) {
	session := uuid.NewString()
	logger := c.logger.With().
		Str("session", session).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	c.metrics.connections.Inc()
	logger.Info().Msg("command connection opened")

	defer func() {
		conn.Close()
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		c.metrics.connections.Dec()
		logger.Info().Msg("command connection closed")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxCommandLine)
	w := textproto.NewWriter(bufio.NewWriter(conn))

	for scanner.Scan() {
		closeAfter := false
		req := &command.Request{Session: session, Close: func() { closeAfter = true }}

		resp := c.dispatch(logger, scanner.Text(), req)
		if err := command.WriteResponse(w, resp); err != nil {
			logger.Warn().Err(err).Msg("error writing response")
			return
		}
		if closeAfter {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			command.WriteResponse(w, command.Err(FormatError(fmt.Errorf("%w: line longer than %d bytes", command.ErrMalformedCommand, MaxCommandLine))))
		}
		if !errors.Is(err, net.ErrClosed) {
			logger.Warn().Err(err).Msg("error reading command")
		}
	}
}

func (c *CommandServer) dispatch(logger zerolog.Logger, line string, req *command.Request) command.Response {
	start := time.Now()
	cmd, err := command.Parse(line)
	if err != nil {
		logger.Debug().Err(err).Msg("malformed command")
		c.metrics.commands.WithLabelValues("", "error").Inc()
		return command.Err(FormatError(err))
	}
	req.Command = cmd

	resp := c.registry.Dispatch(c.ctx, req)

	status := "ok"
	if !resp.OK {
		status = "error"
	}
	name := cmd.Name
	if command.IsUnknown(resp) {
		name = "unknown"
	}
	c.metrics.commands.WithLabelValues(name, status).Inc()
	logger.Debug().
		Str("command", cmd.Name).
		Strs("args", cmd.Args).
		Bool("ok", resp.OK).
		Dur("took", time.Since(start)).
		Msg("command dispatched")

	go c.writeAPI.WritePoint(influxdb2.NewPoint("command.dispatched",
		map[string]string{
			"command": name,
			"status":  status,
		},
		map[string]interface{}{
			"duration": time.Since(start).Microseconds(),
		}, start))
	return resp
}

// Close stops accepting, closes every open connection and waits for their
// goroutines.
func (c *CommandServer) Close() error {
	c.mu.Lock()
	c.closing = true
	ln := c.ln
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	c.cancel()
	c.wg.Wait()
	return err
}

package acqstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/norasector/acqstream/pkg/fifftag"
	"github.com/rs/zerolog"
)

type DataServerOptions struct {
	// WriteTimeout is the deadline of a single socket write.
	WriteTimeout time.Duration
	// WriteRetries is how many timed out writes a subscriber may have per tag
	// before it is dropped.
	WriteRetries int
	// ReadPoll bounds how long a sender waits on its cursor before checking
	// for control tags.
	ReadPoll time.Duration
}

// DataServer streams the active session to every connected subscriber.
type DataServer struct {
	opts     DataServerOptions
	manager  *Manager
	writeAPI api.WriteAPI
	metrics  *serverMetrics
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	ln      net.Listener
	subs    map[int32]*Subscriber
	nextID  int32
	closing bool
}

func newDataServer(opts DataServerOptions, m *Manager, writeAPI api.WriteAPI, metrics *serverMetrics, logger zerolog.Logger) *DataServer {
	ctx, cancel := context.WithCancel(context.Background())
	d := &DataServer{
		opts:     opts,
		manager:  m,
		writeAPI: writeAPI,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int32]*Subscriber),
	}
	m.OnSession(d.sessionStarted)
	return d
}

func (d *DataServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("data listener: %w", err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()
	return nil
}

func (d *DataServer) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Serve accepts subscribers until the server is closed.
func (d *DataServer) Serve() error {
	d.mu.Lock()
	ln := d.ln
	d.mu.Unlock()
	if ln == nil {
		return errors.New("data server not listening")
	}

	d.logger.Info().Str("addr", ln.Addr().String()).Msg("data server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		d.accept(conn)
	}
}

func (d *DataServer) accept(conn net.Conn) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		conn.Close()
		return
	}
	d.nextID++
	sub := newSubscriber(d, conn, d.nextID)
	d.wg.Add(1)
	d.mu.Unlock()

	// The subscriber joins the session that is streaming right now, if any,
	// and every later one.
	d.manager.WithSession(func(sess *Session) {
		d.mu.Lock()
		d.subs[sub.id] = sub
		d.mu.Unlock()
		if sess != nil {
			sub.attach(sess, sess.Buffer.NewCursor())
		}
	})
	d.metrics.subscribers.Inc()
	sub.logger.Info().Msg("subscriber connected")

	go func() {
		defer d.wg.Done()
		err := sub.run(d.ctx)
		d.remove(sub, err)
	}()
}

func (d *DataServer) remove(sub *Subscriber, err error) {
	d.mu.Lock()
	delete(d.subs, sub.id)
	d.mu.Unlock()
	sub.detach()
	d.metrics.subscribers.Dec()

	info := sub.Info()
	switch {
	case errors.Is(err, errSlowConsumer):
		d.metrics.dropped.Inc()
		sub.logger.Warn().Err(err).Uint64("tags", info.Tags).Msg("dropping slow subscriber")
		go d.writeAPI.WritePoint(influxdb2.NewPoint("subscriber.dropped",
			map[string]string{
				"client_id": strconv.Itoa(int(sub.id)),
				"alias":     info.Alias,
			},
			map[string]interface{}{
				"tags":  int64(info.Tags),
				"bytes": int64(info.Bytes),
				"gaps":  int64(info.Gaps),
			}, time.Now()))
	case err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		sub.logger.Info().Uint64("tags", info.Tags).Msg("subscriber disconnected")
	default:
		sub.logger.Warn().Err(err).Uint64("tags", info.Tags).Msg("subscriber connection failed")
	}
}

// sessionStarted gives every subscriber a cursor on sess. It runs under the
// manager lock, before the producer writes anything.
func (d *DataServer) sessionStarted(sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		sub.attach(sess, sess.Buffer.NewCursor())
	}
}

func (d *DataServer) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

func (d *DataServer) setAlias(sub *Subscriber, alias string) error {
	if alias == "" {
		return fmt.Errorf("%w: empty alias", command.ErrMalformedCommand)
	}
	if _, err := strconv.Atoi(alias); err == nil {
		return fmt.Errorf("%w: alias %q looks like a client id", command.ErrMalformedCommand, alias)
	}

	d.mu.Lock()
	for _, other := range d.subs {
		if other != sub && other.Alias() == alias {
			d.mu.Unlock()
			return fmt.Errorf("%w: alias %q already taken by client %d", command.ErrMalformedCommand, alias, other.id)
		}
	}
	sub.mu.Lock()
	sub.alias = alias
	sub.mu.Unlock()
	d.mu.Unlock()

	sub.logger.Info().Str("alias", alias).Msg("subscriber alias set")
	return nil
}

// Lookup finds a subscriber by numeric id or alias.
func (d *DataServer) Lookup(key string) (*Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, err := strconv.ParseInt(key, 10, 32); err == nil {
		if sub, ok := d.subs[int32(id)]; ok {
			return sub, nil
		}
	}
	for _, sub := range d.subs {
		if sub.Alias() == key {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("%w: no client %q", command.ErrMalformedCommand, key)
}

// SendInfo pushes the INFO tag of sess to one subscriber.
func (d *DataServer) SendInfo(key string, sess *Session) error {
	sub, err := d.Lookup(key)
	if err != nil {
		return err
	}
	tag, err := fifftag.NewInfo(&fifftag.Info{Measurement: sess.Info, ConnectorID: sess.ConnectorID, Session: sess.ID})
	if err != nil {
		return err
	}
	return sub.send(tag)
}

// Clients lists the connected subscribers by id.
func (d *DataServer) Clients() []ClientInfo {
	d.mu.Lock()
	subs := make([]*Subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	out := make([]ClientInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops accepting, ends every subscriber with END(shutdown) and waits
// for their goroutines.
func (d *DataServer) Close() error {
	d.mu.Lock()
	d.closing = true
	ln := d.ln
	d.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	d.cancel()
	d.wg.Wait()
	return err
}

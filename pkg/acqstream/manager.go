package acqstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/retry"
	"github.com/norasector/acqstream/pkg/ringbuffer"
	"github.com/norasector/acqstream/pkg/types"
	"github.com/norasector/acqstream/pkg/util"
	"github.com/rs/zerolog"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is one run of a connector, from a successful open until it is
// stopped or its producer exits. Every session has its own buffer.
type Session struct {
	ID          string
	ConnectorID string
	Info        *types.MeasurementInfo
	Buffer      *ringbuffer.RingBuffer[*types.SampleBlock]
	StartedAt   time.Time

	blocks  atomic.Uint64
	samples atomic.Uint64

	once sync.Once
	done chan struct{}
	err  error
}

func newSession(connectorID string, info *types.MeasurementInfo, buf *ringbuffer.RingBuffer[*types.SampleBlock]) *Session {
	return &Session{
		ID:          uuid.NewString(),
		ConnectorID: connectorID,
		Info:        info,
		Buffer:      buf,
		StartedAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

func (s *Session) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Done is closed when the session ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is the reason the session ended, valid once Done is closed: nil when
// it was stopped, connector.ErrStreamEnded at end of stream, otherwise the
// producer failure.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) Blocks() uint64  { return s.blocks.Load() }
func (s *Session) Samples() uint64 { return s.samples.Load() }

type SessionStatus struct {
	ID          string           `json:"id"`
	ConnectorID string           `json:"connector"`
	StartedAt   time.Time        `json:"started_at"`
	Channels    int              `json:"channels"`
	SampleRate  float64          `json:"sampling_rate"`
	Blocks      uint64           `json:"blocks"`
	Samples     uint64           `json:"samples"`
	Buffer      ringbuffer.Stats `json:"buffer"`
}

func (s *Session) Status() SessionStatus {
	return SessionStatus{
		ID:          s.ID,
		ConnectorID: s.ConnectorID,
		StartedAt:   s.StartedAt,
		Channels:    s.Info.NumChannels(),
		SampleRate:  s.Info.SamplingRate,
		Blocks:      s.Blocks(),
		Samples:     s.Samples(),
		Buffer:      s.Buffer.Stats(),
	}
}

// sessionSink feeds producer blocks into the session buffer.
type sessionSink struct {
	w        *ringbuffer.Writer[*types.SampleBlock]
	sess     *Session
	writeAPI api.WriteAPI
}

func (s *sessionSink) WriteContext(ctx context.Context, b *types.SampleBlock) error {
	var err error
	duration := util.TimeOperationMicroseconds(func() {
		err = s.w.WriteContext(ctx, b)
	})
	if err != nil {
		return err
	}
	s.sess.blocks.Add(1)
	s.sess.samples.Add(uint64(b.Samples()))

	go s.writeAPI.WritePoint(influxdb2.NewPoint("stream.block",
		map[string]string{
			"connector": s.sess.ConnectorID,
		},
		map[string]interface{}{
			"channels":       b.Channels(),
			"samples":        b.Samples(),
			"first_sample":   int64(b.FirstSample),
			"write_duration": duration,
		}, time.Now()))
	return nil
}

type ManagerOptions struct {
	// BufferCapacity and BufferPolicy apply to connectors that do not set
	// their own.
	BufferCapacity int
	BufferPolicy   ringbuffer.Policy
	BufferMetrics  *ringbuffer.Metrics
	// Restart controls how a connector whose backend went away is restarted.
	Restart retry.Config
}

// Manager owns the active connector. All transitions happen under mu; a start
// while another connector is not idle is rejected.
//
// Session hooks run with mu held. Callers that must see a consistent session
// take mu first (WithSession) and their own locks second.
type Manager struct {
	opts     ManagerOptions
	registry *connectorRegistry
	writeAPI api.WriteAPI
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	gen           uint64
	session       *Session
	conn          connector.Connector
	writer        *ringbuffer.Writer[*types.SampleBlock]
	producer      *connector.Producer
	restartCancel context.CancelFunc
	hooks         []func(*Session)
	lastErr       error
	closed        bool
}

func NewManager(opts ManagerOptions, writeAPI api.WriteAPI, logger zerolog.Logger) *Manager {
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = DefaultBufferCapacity
	}
	if writeAPI == nil {
		writeAPI = &util.DiscardWriteAPI{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		registry: newConnectorRegistry(),
		writeAPI: writeAPI,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Manager) Register(reg connector.Registration) error {
	return m.registry.add(reg)
}

// Connectors lists the registered connectors in registration order.
func (m *Manager) Connectors() []ConnectorSummary {
	m.mu.Lock()
	active := ""
	if m.session != nil {
		active = m.session.ConnectorID
	}
	m.mu.Unlock()

	regs := m.registry.list()
	out := make([]ConnectorSummary, 0, len(regs))
	for _, reg := range regs {
		policy, capacity := m.bufferParams(reg)
		out = append(out, ConnectorSummary{
			ID:          reg.ID,
			DisplayName: reg.DisplayName,
			Kind:        reg.Kind,
			Policy:      policy.String(),
			Capacity:    capacity,
			Active:      reg.ID == active,
		})
	}
	return out
}

func (m *Manager) registrations() []connector.Registration {
	return m.registry.list()
}

func (m *Manager) bufferParams(reg connector.Registration) (ringbuffer.Policy, int) {
	policy, capacity := m.opts.BufferPolicy, m.opts.BufferCapacity
	if reg.Policy != nil {
		policy = *reg.Policy
	}
	if reg.Capacity > 0 {
		capacity = reg.Capacity
	}
	return policy, capacity
}

// OnSession adds a hook called for every new session before its producer
// runs. Hooks must not block.
func (m *Manager) OnSession(h func(*Session)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// WithSession calls fn with the streaming session, or nil, while no
// transition can happen.
func (m *Manager) WithSession(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStreaming {
		fn(m.session)
		return
	}
	fn(nil)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveInfo returns the streaming session.
func (m *Manager) ActiveInfo() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStreaming {
		return nil, ErrNoneActive
	}
	return m.session, nil
}

type Status struct {
	State     string         `json:"state"`
	Session   *SessionStatus `json:"session,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.state.String()}
	sess := m.session
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	if sess != nil {
		ss := sess.Status()
		st.Session = &ss
	}
	return st
}

// Start opens connector id and begins streaming it into a new session.
func (m *Manager) Start(ctx context.Context, id string) (*Session, error) {
	reg, ok := m.registry.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, id)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	m.state = StateStarting
	m.gen++
	gen := m.gen
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	sess, err := m.startSession(ctx, reg, gen)
	if err != nil {
		m.mu.Lock()
		if m.gen == gen && m.state == StateStarting {
			m.state = StateIdle
		}
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("connector", id).Msg("failed to start connector")
		return nil, err
	}
	return sess, nil
}

// startSession opens reg and, when generation gen is still the one starting,
// installs the session and spawns its producer.
func (m *Manager) startSession(ctx context.Context, reg connector.Registration, gen uint64) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	c, err := reg.Factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnection, err)
	}
	info, err := c.Open(ctx)
	if err == nil {
		err = info.Validate()
	}
	if err != nil {
		c.Close()
		if !errors.Is(err, connector.ErrConnection) && !errors.Is(err, connector.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %v", connector.ErrConnection, err)
		}
		return nil, err
	}

	policy, capacity := m.bufferParams(reg)
	bufOpts := []ringbuffer.Option{ringbuffer.WithPolicy(policy)}
	if m.opts.BufferMetrics != nil {
		bufOpts = append(bufOpts, ringbuffer.WithMetrics(m.opts.BufferMetrics))
	}
	buf, err := ringbuffer.New[*types.SampleBlock](capacity, bufOpts...)
	if err != nil {
		c.Close()
		return nil, err
	}
	w, err := buf.Writer()
	if err != nil {
		c.Close()
		return nil, err
	}
	sess := newSession(reg.ID, info, buf)

	m.mu.Lock()
	if m.closed || m.gen != gen || m.state != StateStarting {
		m.mu.Unlock()
		c.Close()
		w.Close()
		if m.closed {
			return nil, ErrShuttingDown
		}
		return nil, ErrNotActive
	}
	m.session, m.conn, m.writer = sess, c, w
	m.restartCancel = nil
	m.lastErr = nil
	for _, h := range m.hooks {
		h(sess)
	}
	p := connector.Start(m.ctx, c, &sessionSink{w: w, sess: sess, writeAPI: m.writeAPI})
	m.producer = p
	m.state = StateStreaming
	m.wg.Add(1)
	go m.watch(sess, p)
	m.mu.Unlock()

	m.logger.Info().
		Str("connector", reg.ID).
		Str("session", sess.ID).
		Int("channels", info.NumChannels()).
		Float64("sampling_rate", info.SamplingRate).
		Str("policy", policy.String()).
		Int("capacity", capacity).
		Msg("connector started")
	m.writeSessionPoint(sess, "started", nil)
	return sess, nil
}

// watch handles a producer that exits on its own.
func (m *Manager) watch(sess *Session, p *connector.Producer) {
	defer m.wg.Done()
	<-p.Done()
	err := p.Err()

	m.mu.Lock()
	if m.session != sess || m.state != StateStreaming {
		// Stopped by Stop or Shutdown, which own the teardown.
		m.mu.Unlock()
		return
	}
	c, w := m.conn, m.writer
	m.clearLocked()

	restart := errors.Is(err, connector.ErrBackendUnavailable) && !m.closed
	var (
		ctx    context.Context
		cancel context.CancelFunc
		gen    uint64
	)
	if restart {
		ctx, cancel = context.WithCancel(m.ctx)
		m.state = StateStarting
		m.gen++
		gen = m.gen
		m.restartCancel = cancel
	} else {
		m.state = StateIdle
	}
	if !errors.Is(err, connector.ErrStreamEnded) {
		m.lastErr = err
	}
	m.mu.Unlock()

	c.Close()
	sess.finish(err)
	w.Close()

	if errors.Is(err, connector.ErrStreamEnded) {
		m.logger.Info().Str("connector", sess.ConnectorID).Str("session", sess.ID).Msg("connector reached end of stream")
		m.writeSessionPoint(sess, "ended", nil)
		return
	}
	m.logger.Error().Err(err).Str("connector", sess.ConnectorID).Str("session", sess.ID).Msg("connector failed")
	m.writeSessionPoint(sess, "failed", err)

	if restart {
		defer cancel()
		m.restart(ctx, sess.ConnectorID, gen)
	}
}

// restart reopens connector id with backoff until it streams again, the
// attempts run out, or it is stopped.
func (m *Manager) restart(ctx context.Context, id string, gen uint64) {
	reg, ok := m.registry.get(id)
	if !ok {
		return
	}
	err := retry.Do(ctx, m.opts.Restart, func(attempt int) error {
		m.logger.Warn().Str("connector", id).Int("attempt", attempt).Msg("restarting connector")
		_, err := m.startSession(ctx, reg, gen)
		if errors.Is(err, ErrShuttingDown) || errors.Is(err, ErrNotActive) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return
	}

	m.mu.Lock()
	if m.gen == gen && m.state == StateStarting {
		m.state = StateIdle
		m.restartCancel = nil
		m.lastErr = err
	}
	m.mu.Unlock()
	m.logger.Error().Err(err).Str("connector", id).Msg("giving up on connector restart")
}

func (m *Manager) clearLocked() {
	m.session, m.conn, m.writer, m.producer = nil, nil, nil, nil
}

// Stop stops the streaming connector, or cancels a pending restart.
// Subscribers see their cursors reset.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state == StateStarting && m.restartCancel != nil {
		m.restartCancel()
		m.restartCancel = nil
		m.state = StateIdle
		m.gen++
		m.mu.Unlock()
		m.logger.Info().Msg("connector restart cancelled")
		return nil
	}
	if m.state != StateStreaming {
		m.mu.Unlock()
		return ErrNotActive
	}
	sess, c, w, p := m.session, m.conn, m.writer, m.producer
	m.clearLocked()
	m.state = StateStopping
	m.mu.Unlock()

	m.teardown(sess, c, w, p)

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	return nil
}

func (m *Manager) teardown(sess *Session, c connector.Connector, w *ringbuffer.Writer[*types.SampleBlock], p *connector.Producer) {
	perr := p.Stop()
	if err := c.Close(); err != nil {
		m.logger.Warn().Err(err).Str("connector", sess.ConnectorID).Msg("error closing connector")
	}
	sess.finish(nil)
	w.Release()
	if err := sess.Buffer.Reset(); err != nil {
		m.logger.Warn().Err(err).Str("session", sess.ID).Msg("error resetting session buffer")
	}

	ev := m.logger.Info()
	if perr != nil && !errors.Is(perr, context.Canceled) {
		ev = m.logger.Warn().Err(perr)
	}
	ev.Str("connector", sess.ConnectorID).
		Str("session", sess.ID).
		Uint64("blocks", sess.Blocks()).
		Msg("connector stopped")
	m.writeSessionPoint(sess, "stopped", nil)
}

// Shutdown stops the active connector, cancels restarts and waits for every
// manager goroutine. Start fails afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	if m.restartCancel != nil {
		m.restartCancel()
		m.restartCancel = nil
	}
	var (
		sess *Session
		c    connector.Connector
		w    *ringbuffer.Writer[*types.SampleBlock]
		p    *connector.Producer
	)
	if m.state == StateStreaming {
		sess, c, w, p = m.session, m.conn, m.writer, m.producer
		m.clearLocked()
		m.state = StateStopping
	}
	m.mu.Unlock()

	if sess != nil {
		m.teardown(sess, c, w, p)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	return nil
}

func (m *Manager) writeSessionPoint(sess *Session, event string, err error) {
	fields := map[string]interface{}{
		"blocks":   int64(sess.Blocks()),
		"samples":  int64(sess.Samples()),
		"channels": sess.Info.NumChannels(),
		"duration": time.Since(sess.StartedAt).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	go m.writeAPI.WritePoint(influxdb2.NewPoint("stream.session",
		map[string]string{
			"connector": sess.ConnectorID,
			"event":     event,
		},
		fields, time.Now()))
}

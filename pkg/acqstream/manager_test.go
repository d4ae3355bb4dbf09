package acqstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/retry"
	"github.com/norasector/acqstream/pkg/ringbuffer"
	"github.com/norasector/acqstream/pkg/types"
	"github.com/norasector/acqstream/pkg/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	openErr error
	run     func(ctx context.Context, sink connector.Sink) error
	closed  atomic.Int32
}

func (f *fakeConnector) Open(context.Context) (*types.MeasurementInfo, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &types.MeasurementInfo{SamplingRate: 100, Channels: types.DefaultChannels(2)}, nil
}

func (f *fakeConnector) Run(ctx context.Context, sink connector.Sink) error {
	if f.run == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.run(ctx, sink)
}

func (f *fakeConnector) Close() error {
	f.closed.Add(1)
	return nil
}

func testBlock(t *testing.T, first uint64) *types.SampleBlock {
	b, err := types.NewSampleBlock(first, 2, 1, []float64{float64(first), -float64(first)})
	require.NoError(t, err)
	return b
}

// produce writes n blocks and then returns end.
func produce(t *testing.T, n int, end error) func(context.Context, connector.Sink) error {
	return func(ctx context.Context, sink connector.Sink) error {
		for i := 0; i < n; i++ {
			if err := sink.WriteContext(ctx, testBlock(t, uint64(i))); err != nil {
				return err
			}
		}
		if end == nil {
			<-ctx.Done()
			return ctx.Err()
		}
		return end
	}
}

func fakeRegistration(id string, f *fakeConnector) connector.Registration {
	return connector.Registration{
		ID:      id,
		Kind:    "fake",
		Factory: func() (connector.Connector, error) { return f, nil },
	}
}

func newTestManager(t *testing.T, regs ...connector.Registration) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{
		BufferCapacity: 8,
		Restart:        retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, nil, zerolog.Nop())
	for _, reg := range regs {
		require.NoError(t, m.Register(reg))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// sessionRecorder attaches a cursor to every session the way the data server
// does.
type sessionRecorder struct {
	mu       sync.Mutex
	sessions []*Session
	cursors  []*ringbuffer.Cursor[*types.SampleBlock]
}

func (r *sessionRecorder) hook(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sess)
	r.cursors = append(r.cursors, sess.Buffer.NewCursor())
}

func (r *sessionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *sessionRecorder) cursor(i int) *ringbuffer.Cursor[*types.SampleBlock] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[i]
}

func TestManagerIdleErrors(t *testing.T) {
	m := newTestManager(t, fakeRegistration("a", &fakeConnector{}))

	_, err := m.Start(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownConnector)
	assert.ErrorIs(t, m.Stop(), ErrNotActive)
	_, err = m.ActiveInfo()
	assert.ErrorIs(t, err, ErrNoneActive)
	assert.Equal(t, StateIdle, m.State())
}

func TestManagerRegisterValidation(t *testing.T) {
	m := newTestManager(t, fakeRegistration("a", &fakeConnector{}))
	assert.Error(t, m.Register(fakeRegistration("a", &fakeConnector{})))
	assert.Error(t, m.Register(fakeRegistration("has space", &fakeConnector{})))
	assert.Error(t, m.Register(connector.Registration{ID: "nofactory"}))

	list := m.Connectors()
	require.Len(t, list, 1)
	assert.Equal(t, ConnectorSummary{ID: "a", DisplayName: "a", Kind: "fake", Policy: "lossy", Capacity: 8}, list[0])
}

func TestManagerStartStop(t *testing.T) {
	fc := &fakeConnector{run: produce(t, 3, nil)}
	m := newTestManager(t, fakeRegistration("a", fc), fakeRegistration("b", &fakeConnector{}))
	rec := &sessionRecorder{}
	m.OnSession(rec.hook)

	sess, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StateStreaming, m.State())
	assert.Equal(t, "a", sess.ConnectorID)
	assert.NotEmpty(t, sess.ID)

	_, err = m.Start(context.Background(), "b")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	_, err = m.Start(context.Background(), "a")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	active, err := m.ActiveInfo()
	require.NoError(t, err)
	assert.Same(t, sess, active)

	// The hook cursor was attached before the producer wrote anything.
	cur := rec.cursor(0)
	for i := 0; i < 3; i++ {
		e, err := cur.Read(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), e.Value.FirstSample)
	}
	require.Eventually(t, func() bool { return sess.Blocks() == 3 }, time.Second, time.Millisecond)

	summaries := m.Connectors()
	assert.True(t, summaries[0].Active)
	assert.False(t, summaries[1].Active)

	require.NoError(t, m.Stop())
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, int32(1), fc.closed.Load())
	_, err = cur.Read(context.Background(), time.Second)
	assert.ErrorIs(t, err, ringbuffer.ErrReset)
	assert.NoError(t, sess.Err())
	assert.ErrorIs(t, m.Stop(), ErrNotActive)

	// A new start gets a new session with a new buffer.
	sess2, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, sess2.ID)
	assert.NotSame(t, sess.Buffer, sess2.Buffer)
	assert.Equal(t, 2, rec.count())
}

// gatedConnector blocks in Open until released.
type gatedConnector struct {
	fakeConnector
	opens   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedConnector) Open(ctx context.Context) (*types.MeasurementInfo, error) {
	g.opens.Add(1)
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.fakeConnector.Open(ctx)
}

func TestManagerConcurrentStart(t *testing.T) {
	gc := &gatedConnector{entered: make(chan struct{}, 4), release: make(chan struct{})}
	m := newTestManager(t,
		connector.Registration{ID: "a", Factory: func() (connector.Connector, error) { return gc, nil }},
		fakeRegistration("b", &fakeConnector{}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	sessions := make([]*Session, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Start(context.Background(), "a")
		}(i)
	}

	<-gc.entered
	assert.Equal(t, StateStarting, m.State())
	// Another connector cannot slip in while the first is still opening.
	_, err := m.Start(context.Background(), "b")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	close(gc.release)
	wg.Wait()

	var started, refused int
	for i, err := range errs {
		switch {
		case err == nil:
			started++
			assert.Equal(t, "a", sessions[i].ConnectorID)
		case errors.Is(err, ErrAlreadyActive):
			refused++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, refused)
	assert.Equal(t, int32(1), gc.opens.Load())
	assert.Equal(t, StateStreaming, m.State())
}

func TestManagerOpenFailure(t *testing.T) {
	fc := &fakeConnector{openErr: errors.New("no such device")}
	m := newTestManager(t, fakeRegistration("a", fc))

	_, err := m.Start(context.Background(), "a")
	assert.ErrorIs(t, err, connector.ErrConnection)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, int32(1), fc.closed.Load())
	assert.Contains(t, m.Status().LastError, "no such device")

	fc.openErr = fmt.Errorf("%w: daemon not running", connector.ErrBackendUnavailable)
	_, err = m.Start(context.Background(), "a")
	assert.ErrorIs(t, err, connector.ErrBackendUnavailable)
	assert.Equal(t, StateIdle, m.State())
}

func TestManagerEndOfStream(t *testing.T) {
	fc := &fakeConnector{run: produce(t, 3, connector.ErrStreamEnded)}
	m := newTestManager(t, fakeRegistration("a", fc))
	rec := &sessionRecorder{}
	m.OnSession(rec.hook)

	sess, err := m.Start(context.Background(), "a")
	require.NoError(t, err)

	cur := rec.cursor(0)
	for i := 0; i < 3; i++ {
		_, err := cur.Read(context.Background(), time.Second)
		require.NoError(t, err)
	}
	_, err = cur.Read(context.Background(), time.Second)
	assert.ErrorIs(t, err, ringbuffer.ErrClosed)

	<-sess.Done()
	assert.ErrorIs(t, sess.Err(), connector.ErrStreamEnded)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, time.Millisecond)
	assert.Empty(t, m.Status().LastError)
	assert.Equal(t, int32(1), fc.closed.Load())
}

func TestManagerProducerFailure(t *testing.T) {
	fc := &fakeConnector{run: produce(t, 1, errors.New("checksum mismatch"))}
	m := newTestManager(t, fakeRegistration("a", fc))

	sess, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	<-sess.Done()
	assert.EqualError(t, sess.Err(), "checksum mismatch")
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, "checksum mismatch", m.Status().LastError)
}

func TestManagerRestartsUnavailableBackend(t *testing.T) {
	var opens atomic.Int32
	reg := connector.Registration{
		ID: "a",
		Factory: func() (connector.Connector, error) {
			if opens.Add(1) == 1 {
				return &fakeConnector{run: produce(t, 1, fmt.Errorf("%w: daemon restarted", connector.ErrBackendUnavailable))}, nil
			}
			return &fakeConnector{}, nil
		},
	}
	m := newTestManager(t, reg)
	rec := &sessionRecorder{}
	m.OnSession(rec.hook)

	first, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	<-first.Done()
	assert.ErrorIs(t, first.Err(), connector.ErrBackendUnavailable)

	require.Eventually(t, func() bool {
		return rec.count() == 2 && m.State() == StateStreaming
	}, 2*time.Second, time.Millisecond)
	second, err := m.ActiveInfo()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "a", second.ConnectorID)
}

func TestManagerRestartGivesUp(t *testing.T) {
	var opens atomic.Int32
	reg := connector.Registration{
		ID: "a",
		Factory: func() (connector.Connector, error) {
			if opens.Add(1) == 1 {
				return &fakeConnector{run: produce(t, 0, connector.ErrBackendUnavailable)}, nil
			}
			return &fakeConnector{openErr: connector.ErrBackendUnavailable}, nil
		},
	}
	m := newTestManager(t, reg)

	_, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return opens.Load() == 4 && m.State() == StateIdle
	}, 2*time.Second, time.Millisecond)
	assert.NotEmpty(t, m.Status().LastError)
}

func TestManagerStopCancelsRestart(t *testing.T) {
	var opens atomic.Int32
	reg := connector.Registration{
		ID: "a",
		Factory: func() (connector.Connector, error) {
			if opens.Add(1) == 1 {
				return &fakeConnector{run: produce(t, 0, connector.ErrBackendUnavailable)}, nil
			}
			return &fakeConnector{openErr: connector.ErrBackendUnavailable}, nil
		},
	}
	m := NewManager(ManagerOptions{
		Restart: retry.Config{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour},
	}, nil, zerolog.Nop())
	require.NoError(t, m.Register(reg))
	defer m.Shutdown(context.Background())

	_, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return opens.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateStarting, m.State())

	_, err = m.Start(context.Background(), "a")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	require.NoError(t, m.Stop())
	assert.Equal(t, StateIdle, m.State())
	assert.ErrorIs(t, m.Stop(), ErrNotActive)
}

func TestManagerShutdown(t *testing.T) {
	fc := &fakeConnector{}
	m := newTestManager(t, fakeRegistration("a", fc))
	rec := &sessionRecorder{}
	m.OnSession(rec.hook)

	_, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, int32(1), fc.closed.Load())

	_, err = rec.cursor(0).Read(context.Background(), time.Second)
	assert.ErrorIs(t, err, ringbuffer.ErrReset)

	_, err = m.Start(context.Background(), "a")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestManagerConnectorPolicy(t *testing.T) {
	policy := ringbuffer.Backpressure
	reg := fakeRegistration("a", &fakeConnector{})
	reg.Policy = &policy
	reg.Capacity = 3
	m := newTestManager(t, reg)

	sess, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, ringbuffer.Backpressure, sess.Buffer.Policy())
	assert.Equal(t, 3, sess.Buffer.Capacity())
}

func TestManagerWritesPoints(t *testing.T) {
	points := &util.RecordingWriteAPI{}
	m := NewManager(ManagerOptions{}, points, zerolog.Nop())
	require.NoError(t, m.Register(fakeRegistration("a", &fakeConnector{run: produce(t, 2, nil)})))
	defer m.Shutdown(context.Background())

	sess, err := m.Start(context.Background(), "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(points.Points("stream.block")) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "a", util.Tag(points.Points("stream.block")[0], "connector"))
	assert.Equal(t, uint64(2), sess.Samples())

	require.NoError(t, m.Stop())
	require.Eventually(t, func() bool { return len(points.Points("stream.session")) == 2 }, time.Second, time.Millisecond)
	events := map[string]bool{}
	for _, p := range points.Points("stream.session") {
		events[util.Tag(p, "event")] = true
	}
	assert.Equal(t, map[string]bool{"started": true, "stopped": true}, events)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err     error
		code    string
		payload string
	}{
		{ErrNotActive, CodeNotActive, "NotActive"},
		{ErrNoneActive, CodeNoneActive, "NoneActive"},
		{ErrAlreadyActive, CodeAlreadyActive, "AlreadyActive"},
		{fmt.Errorf("%w: x", ErrUnknownConnector), CodeUnknownConnector, "UnknownConnector: unknown connector: x"},
		{fmt.Errorf("%w: refused", connector.ErrConnection), CodeConnectionError, "ConnectionError: connection error: refused"},
		{connector.ErrBackendUnavailable, CodeBackendUnavailable, "BackendUnavailable"},
		{command.ErrMalformedCommand, CodeMalformedCommand, "MalformedCommand"},
		{ringbuffer.ErrBufferFull, CodeBufferFull, "BufferFull"},
		{errors.New("boom"), CodeInternal, "Internal: boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, Code(tt.err), tt.err.Error())
		assert.Equal(t, tt.payload, FormatError(tt.err))
	}
}

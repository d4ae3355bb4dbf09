package acqstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/fifftag"
	"github.com/norasector/acqstream/pkg/ringbuffer"
	"github.com/norasector/acqstream/pkg/types"
	"github.com/rs/zerolog"
)

var errSlowConsumer = errors.New("subscriber too slow")

const controlQueueSize = 8

type attachment struct {
	sess   *Session
	cursor *ringbuffer.Cursor[*types.SampleBlock]
}

// ClientInfo describes a connected data subscriber.
type ClientInfo struct {
	ID          int32     `json:"id"`
	Alias       string    `json:"alias,omitempty"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	Session     string    `json:"session,omitempty"`
	Tags        uint64    `json:"tags"`
	Bytes       uint64    `json:"bytes"`
	Gaps        uint64    `json:"gaps"`
}

// Subscriber is one data connection. Its sender goroutine is the only writer
// to the socket.
type Subscriber struct {
	id          int32
	conn        net.Conn
	server      *DataServer
	logger      zerolog.Logger
	connectedAt time.Time

	ctrl chan *fifftag.Tag
	wake chan struct{}

	mu      sync.Mutex
	alias   string
	session string
	pending *attachment

	tags  atomic.Uint64
	bytes atomic.Uint64
	gaps  atomic.Uint64
}

func newSubscriber(d *DataServer, conn net.Conn, id int32) *Subscriber {
	return &Subscriber{
		id:          id,
		conn:        conn,
		server:      d,
		connectedAt: time.Now(),
		ctrl:        make(chan *fifftag.Tag, controlQueueSize),
		wake:        make(chan struct{}, 1),
		logger: d.logger.With().
			Int32("client_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

func (s *Subscriber) ID() int32 { return s.id }

func (s *Subscriber) Alias() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alias
}

func (s *Subscriber) Info() ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ClientInfo{
		ID:          s.id,
		Alias:       s.alias,
		Remote:      s.conn.RemoteAddr().String(),
		ConnectedAt: s.connectedAt,
		Session:     s.session,
		Tags:        s.tags.Load(),
		Bytes:       s.bytes.Load(),
		Gaps:        s.gaps.Load(),
	}
}

// attach hands the subscriber a cursor on a new session. A pending
// attachment that was never picked up is discarded.
func (s *Subscriber) attach(sess *Session, cursor *ringbuffer.Cursor[*types.SampleBlock]) {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.cursor.Close()
	}
	s.pending = &attachment{sess: sess, cursor: cursor}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber) detach() {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.cursor.Close()
		s.pending = nil
	}
	s.mu.Unlock()
}

// send queues a control tag for the sender goroutine.
func (s *Subscriber) send(t *fifftag.Tag) error {
	select {
	case s.ctrl <- t:
		return nil
	default:
		return fmt.Errorf("%w: send queue of client %d", ringbuffer.ErrBufferFull, s.id)
	}
}

func (s *Subscriber) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop()
		cancel()
	}()

	err := s.sendLoop(ctx)
	if errors.Is(err, context.Canceled) && s.server.isClosing() {
		s.writeTag(fifftag.NewEnd(fifftag.EndShutdown))
	}
	s.conn.Close()
	rerr := <-readErr
	if errors.Is(err, context.Canceled) {
		err = rerr
	}
	return err
}

// readLoop handles the tags a client sends on the data channel.
func (s *Subscriber) readLoop() error {
	r := fifftag.NewReader(s.conn)
	for {
		tag, err := r.ReadTag()
		if err != nil {
			return err
		}
		if tag.Kind != fifftag.KindCommand {
			s.logger.Debug().Str("kind", tag.Kind.String()).Msg("ignoring tag from client")
			continue
		}
		cmd, arg, err := fifftag.ParseCommand(tag)
		if err != nil {
			s.logger.Warn().Err(err).Msg("bad command from client")
			continue
		}

		switch cmd {
		case fifftag.CommandGetClientID:
			err = s.send(fifftag.NewClientID(s.id))
		case fifftag.CommandSetAlias:
			err = s.server.setAlias(s, string(arg))
		default:
			err = fmt.Errorf("unknown client command %d", cmd)
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("client command failed")
		}
	}
}

func (s *Subscriber) sendLoop(ctx context.Context) error {
	for {
		att, err := s.next(ctx)
		if err != nil {
			return err
		}
		if err := s.stream(ctx, att); err != nil {
			return err
		}
	}
}

// next waits for an attachment, writing control tags meanwhile.
func (s *Subscriber) next(ctx context.Context) (*attachment, error) {
	for {
		s.mu.Lock()
		att := s.pending
		s.pending = nil
		s.mu.Unlock()
		if att != nil {
			return att, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		case t := <-s.ctrl:
			if err := s.writeTag(t); err != nil {
				return nil, err
			}
		}
	}
}

func (s *Subscriber) setSession(id string) {
	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
}

// stream writes one session: INFO, then DATA and GAP tags until the session
// ends with END, RESET or ERROR.
func (s *Subscriber) stream(ctx context.Context, att *attachment) error {
	defer att.cursor.Close()
	sess := att.sess
	s.setSession(sess.ID)
	defer s.setSession("")

	info, err := fifftag.NewInfo(&fifftag.Info{Measurement: sess.Info, ConnectorID: sess.ConnectorID, Session: sess.ID})
	if err != nil {
		return s.writeTag(fifftag.NewError(err.Error()))
	}
	if err := s.writeTag(info); err != nil {
		return err
	}

	for {
		select {
		case t := <-s.ctrl:
			if err := s.writeTag(t); err != nil {
				return err
			}
		default:
		}

		e, err := att.cursor.Read(ctx, s.server.opts.ReadPoll)
		switch {
		case errors.Is(err, ringbuffer.ErrNoData):
			continue
		case errors.Is(err, ringbuffer.ErrReset):
			return s.writeTag(fifftag.NewReset(sess.ConnectorID))
		case errors.Is(err, ringbuffer.ErrClosed):
			return s.writeEnd(ctx, sess)
		case err != nil:
			return err
		}

		if e.Missed > 0 {
			s.gaps.Add(e.Missed)
			if err := s.writeTag(fifftag.NewGap(e.Missed)); err != nil {
				return err
			}
		}
		data, err := fifftag.NewData(e.Value, sess.Info)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("seq", e.Seq).Msg("skipping block that cannot be sent")
			continue
		}
		if err := s.writeTag(data); err != nil {
			return err
		}
	}
}

func (s *Subscriber) writeEnd(ctx context.Context, sess *Session) error {
	select {
	case <-sess.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	reason := sess.Err()
	if reason == nil || errors.Is(reason, connector.ErrStreamEnded) {
		return s.writeTag(fifftag.NewEnd(fifftag.EndOfStream))
	}
	return s.writeTag(fifftag.NewError(fmt.Sprintf("%s: %v", Code(reason), reason)))
}

// writeTag writes t with a deadline per attempt, retrying the unwritten
// remainder a bounded number of times.
func (s *Subscriber) writeTag(t *fifftag.Tag) error {
	b, err := fifftag.Encode(t)
	if err != nil {
		return err
	}

	opts := s.server.opts
	retries := 0
	for len(b) > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout)); err != nil {
			return err
		}
		n, err := s.conn.Write(b)
		b = b[n:]
		s.bytes.Add(uint64(n))
		s.server.metrics.bytesSent.Add(float64(n))
		if err == nil {
			continue
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if retries < opts.WriteRetries {
				retries++
				s.logger.Debug().Int("retry", retries).Int("remaining", len(b)).Msg("write timed out, retrying")
				continue
			}
			return fmt.Errorf("%w: %d bytes unwritten after %d retries", errSlowConsumer, len(b), retries)
		}
		if errors.Is(err, net.ErrClosed) {
			return io.EOF
		}
		return err
	}

	s.tags.Add(1)
	s.server.metrics.tagsSent.WithLabelValues(t.Kind.String()).Inc()
	return nil
}

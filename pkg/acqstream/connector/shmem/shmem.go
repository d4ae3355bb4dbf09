// Package shmem attaches to a vendor acquisition daemon that announces data
// over a unix datagram socket and hands large buffers over in SysV shared
// memory.
package shmem

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Tag kinds and types used by the daemon (FIFF numbering).
const (
	kindNewFile    int32 = 1
	kindCloseFile  int32 = 2
	kindBlockStart int32 = 104
	kindBlockEnd   int32 = 105
	kindNop        int32 = 108
	kindNChan      int32 = 200
	kindSFreq      int32 = 201
	kindChInfo     int32 = 203
	kindDataBuffer int32 = 300

	blockMeasInfo int32 = 101
	blockRawData  int32 = 102

	typeInt   int32 = 3
	typeFloat int32 = 4

	messageSize = 24
	chInfoSize  = 96

	maxKind = 20000
	maxSize = 100000000
)

type Config struct {
	ServerSocket string `yaml:"server_socket"`
	// ClientSocket is the path this client binds; ClientID is appended when
	// the path ends with a separator-free prefix such as "/tmp/dacq_client_".
	ClientSocket string `yaml:"client_socket"`
	ClientID     int32  `yaml:"client_id"`

	// ShmKey selects the SysV segment. Zero means all data arrives inline.
	ShmKey        int `yaml:"shm_key"`
	ShmMaxClients int `yaml:"shm_max_clients"`
	ShmMaxData    int `yaml:"shm_max_data"`
	ShmBlocks     int `yaml:"shm_blocks"`

	// InfoTimeout bounds the wait for the measurement info at open.
	InfoTimeout time.Duration `yaml:"info_timeout"`
	// StallTimeout is how long the daemon may stay silent while streaming.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

func (c *Config) applyDefaults() {
	if c.ServerSocket == "" {
		c.ServerSocket = "/tmp/dacq_server"
	}
	if c.ClientSocket == "" {
		c.ClientSocket = "/tmp/dacq_client_"
	}
	if c.ClientID == 0 {
		c.ClientID = 11113
	}
	if c.ShmMaxClients <= 0 {
		c.ShmMaxClients = 8
	}
	if c.ShmMaxData <= 0 {
		c.ShmMaxData = 500000
	}
	if c.ShmBlocks <= 0 {
		c.ShmBlocks = 100
	}
	if c.InfoTimeout <= 0 {
		c.InfoTimeout = 5 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 5 * time.Second
	}
}

func (c *Config) clientPath() string {
	if strings.HasSuffix(c.ClientSocket, "_") {
		return fmt.Sprintf("%s%d", c.ClientSocket, c.ClientID)
	}
	return c.ClientSocket
}

type message struct {
	Kind     int32
	Type     int32
	Size     int32
	Loc      int32
	ShmemBuf int32
	ShmemLoc int32
}

func parseMessage(b []byte) (message, error) {
	if len(b) < messageSize {
		return message{}, fmt.Errorf("message of %d bytes too short", len(b))
	}
	return message{
		Kind:     int32(binary.LittleEndian.Uint32(b[0:4])),
		Type:     int32(binary.LittleEndian.Uint32(b[4:8])),
		Size:     int32(binary.LittleEndian.Uint32(b[8:12])),
		Loc:      int32(binary.LittleEndian.Uint32(b[12:16])),
		ShmemBuf: int32(binary.LittleEndian.Uint32(b[16:20])),
		ShmemLoc: int32(binary.LittleEndian.Uint32(b[20:24])),
	}, nil
}

func (m message) encode() []byte {
	b := make([]byte, messageSize)
	for i, v := range []int32{m.Kind, m.Type, m.Size, m.Loc, m.ShmemBuf, m.ShmemLoc} {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

// inline reports whether the payload follows as its own datagram.
func (m message) inline() bool {
	return m.Loc < 0 && m.ShmemBuf < 0 && m.ShmemLoc < 0
}

type Acquisition struct {
	cfg    Config
	conn   *net.UnixConn
	server *net.UnixAddr
	seg    *segment
	info   *types.MeasurementInfo
	sample uint64
	buf    []byte
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Acquisition {
	cfg.applyDefaults()
	return &Acquisition{cfg: cfg, logger: logger, buf: make([]byte, maxDatagram)}
}

const maxDatagram = 1 << 20

func Registration(id, name string, cfg Config) connector.Registration {
	return connector.Registration{
		ID:          id,
		DisplayName: name,
		Kind:        "shmem",
		Factory: func() (connector.Connector, error) {
			return New(cfg, log.Logger.With().Str("connector", id).Logger()), nil
		},
	}
}

func (a *Acquisition) Open(ctx context.Context) (*types.MeasurementInfo, error) {
	if _, err := os.Stat(a.cfg.ServerSocket); err != nil {
		return nil, fmt.Errorf("%w: acquisition daemon socket: %v", connector.ErrBackendUnavailable, err)
	}

	path := a.cfg.clientPath()
	os.Remove(path)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnection, err)
	}
	a.conn = conn
	a.server = &net.UnixAddr{Name: a.cfg.ServerSocket, Net: "unixgram"}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := a.register(a.cfg.ClientID); err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrBackendUnavailable, err)
	}

	if a.cfg.ShmKey != 0 {
		seg, err := attachSegment(a.cfg.ShmKey, a.cfg.ShmMaxClients, a.cfg.ShmMaxData, a.cfg.ShmBlocks)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", connector.ErrConnection, err)
		}
		a.seg = seg
	}

	info, err := a.readInfo()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", connector.ErrBackendUnavailable, err)
	}
	a.info = info
	a.logger.Info().
		Str("socket", a.cfg.ServerSocket).
		Int("channels", info.NumChannels()).
		Float64("sfreq", info.SamplingRate).
		Msg("attached to acquisition daemon")
	return info.Clone(), nil
}

// register sends the client id to the daemon and waits for it to be echoed.
// A negative id unregisters.
func (a *Acquisition) register(id int32) error {
	b := binary.LittleEndian.AppendUint32(nil, uint32(id))
	if _, err := a.conn.WriteToUnix(b, a.server); err != nil {
		return err
	}
	if id < 0 {
		return nil
	}
	a.conn.SetReadDeadline(time.Now().Add(a.cfg.InfoTimeout))
	n, _, err := a.conn.ReadFromUnix(a.buf)
	if err != nil {
		return err
	}
	if n < 4 || int32(binary.LittleEndian.Uint32(a.buf[:4])) != id {
		return errors.New("daemon refused client registration")
	}
	return nil
}

// receive reads one tag from the daemon.
func (a *Acquisition) receive(deadline time.Time) (message, []byte, error) {
	a.conn.SetReadDeadline(deadline)
	n, _, err := a.conn.ReadFromUnix(a.buf)
	if err != nil {
		return message{}, nil, err
	}
	msg, err := parseMessage(a.buf[:n])
	if err != nil {
		return message{}, nil, err
	}
	if msg.Kind > maxKind || msg.Size < 0 || msg.Size > maxSize {
		a.logger.Warn().Int32("kind", msg.Kind).Int32("size", msg.Size).Msg("unreasonable message from daemon, skipping")
		return message{Kind: kindNop}, nil, nil
	}
	if msg.Size == 0 {
		return msg, nil, nil
	}

	if msg.inline() {
		n, _, err := a.conn.ReadFromUnix(a.buf)
		if err != nil {
			return message{}, nil, err
		}
		if n < int(msg.Size) {
			return message{}, nil, fmt.Errorf("payload of %d bytes, expected %d", n, msg.Size)
		}
		payload := make([]byte, msg.Size)
		copy(payload, a.buf[:msg.Size])
		return msg, payload, nil
	}
	if msg.ShmemBuf >= 0 && a.seg != nil {
		payload, err := a.seg.read(int(msg.ShmemBuf), int(msg.Size), a.cfg.ClientID)
		return msg, payload, err
	}
	// File-backed payloads are not supported; the tag is skipped.
	return message{Kind: kindNop}, nil, nil
}

func int32Payload(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, errors.New("short int payload")
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (a *Acquisition) readInfo() (*types.MeasurementInfo, error) {
	deadline := time.Now().Add(a.cfg.InfoTimeout)
	var (
		nchan    int32
		sfreq    float64
		channels []types.ChannelInfo
		inInfo   bool
	)
	for {
		msg, payload, err := a.receive(deadline)
		if err != nil {
			return nil, fmt.Errorf("waiting for measurement info: %w", err)
		}
		switch msg.Kind {
		case kindBlockStart:
			if v, _ := int32Payload(payload); v == blockMeasInfo {
				inInfo = true
			}
		case kindNChan:
			if nchan, err = int32Payload(payload); err != nil {
				return nil, err
			}
		case kindSFreq:
			if len(payload) < 4 {
				return nil, errors.New("short sfreq payload")
			}
			sfreq = float64(math.Float32frombits(binary.LittleEndian.Uint32(payload)))
		case kindChInfo:
			if inInfo {
				ch, err := parseChInfo(payload)
				if err != nil {
					return nil, err
				}
				channels = append(channels, ch)
			}
		case kindBlockEnd:
			if v, _ := int32Payload(payload); v != blockMeasInfo || !inInfo {
				continue
			}
			if len(channels) != int(nchan) {
				channels = types.DefaultChannels(int(nchan))
			}
			info := &types.MeasurementInfo{SamplingRate: sfreq, Channels: channels}
			if err := info.Validate(); err != nil {
				return nil, err
			}
			return info, nil
		}
	}
}

// parseChInfo reads a FIFF channel info record.
func parseChInfo(b []byte) (types.ChannelInfo, error) {
	if len(b) < chInfoSize {
		return types.ChannelInfo{}, fmt.Errorf("channel info of %d bytes too short", len(b))
	}
	le := binary.LittleEndian
	rng := math.Float32frombits(le.Uint32(b[12:16]))
	cal := math.Float32frombits(le.Uint32(b[16:20]))
	name := b[80:96]
	if i := strings.IndexByte(string(name), 0); i >= 0 {
		name = name[:i]
	}
	return types.ChannelInfo{
		Name:        string(name),
		Kind:        types.ChannelKind(int32(le.Uint32(b[8:12]))),
		Unit:        types.Unit(int32(le.Uint32(b[72:76]))),
		Calibration: float64(rng) * float64(cal),
	}, nil
}

func (a *Acquisition) decodeBuffer(msg message, payload []byte) (*types.SampleBlock, error) {
	n := len(payload) / 4
	values := make([]float64, n)
	for i := range values {
		v := binary.LittleEndian.Uint32(payload[4*i:])
		switch msg.Type {
		case typeInt:
			values[i] = float64(int32(v))
		case typeFloat:
			values[i] = float64(math.Float32frombits(v))
		default:
			return nil, fmt.Errorf("unsupported data buffer type %d", msg.Type)
		}
	}
	block, err := types.NewInterleavedBlock(a.sample, a.info.NumChannels(), values)
	if err != nil {
		return nil, err
	}
	a.sample += uint64(block.Samples())
	return block, nil
}

func (a *Acquisition) Run(ctx context.Context, sink connector.Sink) error {
	if a.conn == nil {
		return errors.New("acquisition not opened")
	}
	stop := context.AfterFunc(ctx, func() { a.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		msg, payload, err := a.receive(time.Now().Add(a.cfg.StallTimeout))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("%w: %v", connector.ErrBackendUnavailable, err)
		}

		switch msg.Kind {
		case kindDataBuffer:
			block, err := a.decodeBuffer(msg, payload)
			if err != nil {
				a.logger.Warn().Err(err).Msg("dropping undecodable data buffer")
				continue
			}
			if err := sink.WriteContext(ctx, block); err != nil {
				return err
			}
		case kindCloseFile:
			return connector.ErrStreamEnded
		case kindBlockEnd:
			if v, _ := int32Payload(payload); v == blockRawData {
				return connector.ErrStreamEnded
			}
		case kindBlockStart:
			// A new measurement may carry a different layout.
			if v, _ := int32Payload(payload); v == blockMeasInfo {
				return fmt.Errorf("%w: measurement restarted", connector.ErrBackendUnavailable)
			}
		}
	}
}

func (a *Acquisition) Close() error {
	var err error
	if a.conn != nil {
		if a.server != nil {
			a.register(-a.cfg.ClientID)
		}
		err = a.conn.Close()
		os.Remove(a.cfg.clientPath())
		a.conn = nil
	}
	if serr := a.seg.close(); serr != nil && err == nil {
		err = serr
	}
	a.seg = nil
	return err
}

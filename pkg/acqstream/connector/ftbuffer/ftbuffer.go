// Package ftbuffer reads from a FieldTrip real-time buffer server.
package ftbuffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultAddress = "localhost:1972"

type Config struct {
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// PollTimeout bounds each WAIT_DAT request.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// MaxBlockSamples splits large reads. Zero reads whatever is available.
	MaxBlockSamples int `yaml:"max_block_samples"`
	// Channels names the buffer channels; used when its length matches the
	// channel count reported by the buffer.
	Channels []types.ChannelInfo `yaml:"channels"`
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
}

type Client struct {
	cfg    Config
	conn   net.Conn
	hdr    headerDef
	info   *types.MeasurementInfo
	next   uint32
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg, logger: logger}
}

func Registration(id, name string, cfg Config) connector.Registration {
	return connector.Registration{
		ID:          id,
		DisplayName: name,
		Kind:        "ftbuffer",
		Factory: func() (connector.Connector, error) {
			return New(cfg, log.Logger.With().Str("connector", id).Logger()), nil
		},
	}
}

func (c *Client) Open(ctx context.Context) (*types.MeasurementInfo, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnection, err)
	}
	c.conn = conn

	hdr, err := c.getHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnection, err)
	}
	if dataTypeSize(hdr.DataType) == 0 {
		return nil, fmt.Errorf("%w: unsupported data type %d", connector.ErrConnection, hdr.DataType)
	}

	channels := types.DefaultChannels(int(hdr.NChans))
	if len(c.cfg.Channels) == int(hdr.NChans) {
		channels = c.cfg.Channels
	}
	c.info = &types.MeasurementInfo{
		SamplingRate:      float64(hdr.FSample),
		Channels:          channels,
		BufferSizeSamples: uint32(c.cfg.MaxBlockSamples),
	}
	if err := c.info.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnection, err)
	}
	c.hdr = hdr
	// Only data written after the session started is streamed.
	c.next = hdr.NSamples

	c.logger.Info().
		Str("address", c.cfg.Address).
		Uint32("channels", hdr.NChans).
		Float32("fsample", hdr.FSample).
		Uint32("nsamples", hdr.NSamples).
		Msg("connected to fieldtrip buffer")
	return c.info.Clone(), nil
}

// request sends one command and reads the reply. The deadline it sets never
// outlives ctx, and a cancellation that raced the deadline is caught here.
func (c *Client) request(ctx context.Context, cmd uint16, body []byte) (messageDef, []byte, error) {
	deadline := time.Now().Add(c.cfg.PollTimeout + c.cfg.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return messageDef{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return messageDef{}, nil, err
	}
	msg := messageDef{Version: protocolVersion, Command: cmd}
	if _, err := c.conn.Write(msg.encode(body)); err != nil {
		return messageDef{}, nil, err
	}
	return readMessage(c.conn)
}

func (c *Client) getHeader(ctx context.Context) (headerDef, error) {
	resp, body, err := c.request(ctx, cmdGetHdr, nil)
	if err != nil {
		return headerDef{}, err
	}
	if resp.Command != cmdGetOK {
		return headerDef{}, fmt.Errorf("GET_HDR failed with 0x%x", resp.Command)
	}
	// Extended header chunks after the fixed part are ignored.
	return parseHeaderDef(body)
}

// wait blocks on the server until more than c.next samples exist or the poll
// timeout passes, and returns the sample count.
func (c *Client) wait(ctx context.Context) (uint32, error) {
	ms := uint32(c.cfg.PollTimeout / time.Millisecond)
	resp, body, err := c.request(ctx, cmdWaitDat, encodeUint32s(c.next, 0xffffffff, ms))
	if err != nil {
		return 0, err
	}
	if resp.Command != cmdWaitOK || len(body) < 8 {
		return 0, fmt.Errorf("WAIT_DAT failed with 0x%x", resp.Command)
	}
	return binary.LittleEndian.Uint32(body[0:4]), nil
}

func (c *Client) getData(ctx context.Context, begin, end uint32) (*types.SampleBlock, error) {
	resp, body, err := c.request(ctx, cmdGetDat, encodeUint32s(begin, end))
	if err != nil {
		return nil, err
	}
	if resp.Command == cmdGetErr {
		return nil, errSamplesGone
	}
	if resp.Command != cmdGetOK {
		return nil, fmt.Errorf("GET_DAT failed with 0x%x", resp.Command)
	}
	def, data, err := parseDataDef(body)
	if err != nil {
		return nil, err
	}
	if def.NChans != c.hdr.NChans {
		return nil, fmt.Errorf("data has %d channels, header has %d", def.NChans, c.hdr.NChans)
	}
	values, err := decodeSamples(def.DataType, data)
	if err != nil {
		return nil, err
	}
	if err := def.checkValues(len(values)); err != nil {
		return nil, err
	}
	return types.NewInterleavedBlock(uint64(begin), int(def.NChans), values)
}

var errSamplesGone = errors.New("requested samples no longer in buffer")

func (c *Client) Run(ctx context.Context, sink connector.Sink) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	unavailable := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", connector.ErrBackendUnavailable, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		available, err := c.wait(ctx)
		if err != nil {
			return unavailable(err)
		}
		if available < c.next {
			return unavailable(fmt.Errorf("buffer restarted: %d samples, expected at least %d", available, c.next))
		}
		if available == c.next {
			continue
		}

		end := available
		if c.cfg.MaxBlockSamples > 0 && end-c.next > uint32(c.cfg.MaxBlockSamples) {
			end = c.next + uint32(c.cfg.MaxBlockSamples)
		}
		block, err := c.getData(ctx, c.next, end-1)
		if errors.Is(err, errSamplesGone) {
			c.logger.Warn().
				Uint32("begin", c.next).
				Uint32("available", available).
				Msg("samples overwritten on the buffer server, skipping ahead")
			c.next = available
			continue
		}
		if err != nil {
			return unavailable(err)
		}
		c.next = end
		if err := sink.WriteContext(ctx, block); err != nil {
			return err
		}
	}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

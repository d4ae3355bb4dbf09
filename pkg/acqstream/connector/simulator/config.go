package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/fifftag"
	"github.com/norasector/acqstream/pkg/types"
)

const (
	DefaultBufferSize = 512
	DefaultAccel      = 1.0
)

type Config struct {
	// File is a recording of data channel tags: one INFO tag then DATA tags.
	// When empty the simulator synthesizes data over Channels.
	File  string  `yaml:"file"`
	Loop  bool    `yaml:"loop"`
	Accel float64 `yaml:"accel"`
	// BufferSize is the number of samples per emitted block.
	BufferSize int `yaml:"bufsize"`

	SamplingRate float64             `yaml:"sampling_rate"`
	NumChannels  int                 `yaml:"num_channels"`
	Channels     []types.ChannelInfo `yaml:"channels"`
	// Frequency is the base sine frequency of synthetic channels, in Hz.
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`
	// MaxBlocks ends a non-looping synthetic stream after that many blocks.
	MaxBlocks int `yaml:"max_blocks"`
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Accel <= 0 {
		c.Accel = DefaultAccel
	}
	if c.SamplingRate <= 0 {
		c.SamplingRate = 1000
	}
	if len(c.Channels) == 0 {
		n := c.NumChannels
		if n <= 0 {
			n = 8
		}
		c.Channels = types.DefaultChannels(n)
	}
	if c.Frequency <= 0 {
		c.Frequency = 10
	}
	if c.Amplitude == 0 {
		c.Amplitude = 1
	}
}

// Settings holds the simulator parameters that control commands may change.
// Changes apply to the next session.
type Settings struct {
	mu  sync.RWMutex
	cfg Config
}

func NewSettings(cfg Config) *Settings {
	cfg.applyDefaults()
	return &Settings{cfg: cfg}
}

func (s *Settings) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	cfg.Channels = append([]types.ChannelInfo(nil), s.cfg.Channels...)
	return cfg
}

// SetBufferSize bounds n so one block of the configured channels fits in a
// single DATA tag.
func (s *Settings) SetBufferSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: buffer size must be positive", command.ErrMalformedCommand)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit := fifftag.MaxDataSamples(len(s.cfg.Channels)); n > limit {
		return fmt.Errorf("%w: buffer size %d exceeds %d samples for %d channels",
			command.ErrMalformedCommand, n, limit, len(s.cfg.Channels))
	}
	s.cfg.BufferSize = n
	return nil
}

func (s *Settings) SetAccel(f float64) error {
	if !(f > 0) || math.IsInf(f, 1) {
		return fmt.Errorf("%w: acceleration factor must be positive and finite", command.ErrMalformedCommand)
	}
	s.mu.Lock()
	s.cfg.Accel = f
	s.mu.Unlock()
	return nil
}

func (s *Settings) SetFile(path string) {
	s.mu.Lock()
	s.cfg.File = path
	s.mu.Unlock()
}

// Registration exposes a simulator as a connector. Every start snapshots the
// current settings.
func Registration(id, name string, s *Settings) connector.Registration {
	return connector.Registration{
		ID:          id,
		DisplayName: name,
		Kind:        "simulator",
		Factory: func() (connector.Connector, error) {
			return New(s.Snapshot()), nil
		},
		Commands: s.Commands(),
	}
}

func jsonOrText(req *command.Request, key string, v interface{}, text string) (string, error) {
	if !req.JSON {
		return text, nil
	}
	b, err := json.Marshal(map[string]interface{}{key: v})
	return string(b), err
}

// Commands are the simulator control commands.
func (s *Settings) Commands() []command.Spec {
	return []command.Spec{
		{
			Name:        "bufsize",
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<samples>",
			Description: "set the simulator block size in samples",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				n, err := strconv.Atoi(req.Arg(0))
				if err != nil {
					return "", fmt.Errorf("%w: %v", command.ErrMalformedCommand, err)
				}
				if err := s.SetBufferSize(n); err != nil {
					return "", err
				}
				return fmt.Sprintf("buffer size set to %d samples", n), nil
			},
		},
		{
			Name:        "getbufsize",
			Description: "report the simulator block size",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				n := s.Snapshot().BufferSize
				return jsonOrText(req, "bufsize", n, strconv.Itoa(n))
			},
		},
		{
			Name:        "accel",
			MinArgs:     1,
			MaxArgs:     1,
			Usage:       "<factor>",
			Description: "set the simulator replay acceleration factor",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				f, err := strconv.ParseFloat(req.Arg(0), 64)
				if err != nil {
					return "", fmt.Errorf("%w: %v", command.ErrMalformedCommand, err)
				}
				if err := s.SetAccel(f); err != nil {
					return "", err
				}
				return fmt.Sprintf("acceleration factor set to %.3f", f), nil
			},
		},
		{
			Name:        "getaccel",
			Description: "report the simulator acceleration factor",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				f := s.Snapshot().Accel
				return jsonOrText(req, "accel", f, fmt.Sprintf("%.3f", f))
			},
		},
		{
			Name:        "simfile",
			MaxArgs:     1,
			Usage:       "[path]",
			Description: "set the simulator recording, or switch to synthetic data when empty",
			Handler: func(_ context.Context, req *command.Request) (string, error) {
				s.SetFile(req.Arg(0))
				if req.Arg(0) == "" {
					return "simulator set to synthetic data", nil
				}
				return "simulator file set to " + req.Arg(0), nil
			},
		},
	}
}

// Package config loads the YAML configuration of the streaming server.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream"
	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/acqstream/connector/ftbuffer"
	"github.com/norasector/acqstream/pkg/acqstream/connector/shmem"
	"github.com/norasector/acqstream/pkg/acqstream/connector/simulator"
	"github.com/norasector/acqstream/pkg/retry"
	"github.com/norasector/acqstream/pkg/ringbuffer"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

const (
	DefaultCommandPort = 4217
	DefaultDataPort    = 4218
	DefaultMonitorPort = 4219
)

type Config struct {
	BindAddress string `yaml:"bind_address"`
	CommandPort int    `yaml:"command_port"`
	DataPort    int    `yaml:"data_port"`
	LogLevel    string `yaml:"log_level"`

	Buffer       BufferConfig  `yaml:"buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	WriteRetries *int          `yaml:"write_retries"`
	ReadPoll     time.Duration `yaml:"read_poll"`
	Restart      retry.Config  `yaml:"restart"`

	Monitor struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"monitor"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Token        string `yaml:"token"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`

	Connectors []Connector `yaml:"connectors"`
}

type BufferConfig struct {
	Capacity int                `yaml:"capacity"`
	Policy   *ringbuffer.Policy `yaml:"policy"`
}

// Connector is one entry of the connectors list. Type selects which of the
// backend sections applies.
type Connector struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	Buffer    *BufferConfig     `yaml:"buffer"`
	Simulator *simulator.Config `yaml:"simulator"`
	FTBuffer  *ftbuffer.Config  `yaml:"ftbuffer"`
	Shmem     *shmem.Config     `yaml:"shmem"`
}

// Default is the configuration used when no file is given: one synthetic
// simulator.
func Default() *Config {
	cfg := &Config{
		Connectors: []Connector{{ID: "sim", Name: "Simulator", Type: "simulator"}},
	}
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(contents)
}

func Parse(contents []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(contents, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CommandPort == 0 {
		c.CommandPort = DefaultCommandPort
	}
	if c.DataPort == 0 {
		c.DataPort = DefaultDataPort
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = DefaultMonitorPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Buffer.Capacity == 0 {
		c.Buffer.Capacity = acqstream.DefaultBufferCapacity
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = acqstream.DefaultWriteTimeout
	}
	if c.WriteRetries == nil {
		n := acqstream.DefaultWriteRetries
		c.WriteRetries = &n
	}
	if c.ReadPoll == 0 {
		c.ReadPoll = acqstream.DefaultReadPoll
	}
	if c.Restart == (retry.Config{}) {
		c.Restart = retry.DefaultConfig()
	}
	for i := range c.Connectors {
		if c.Connectors[i].Name == "" {
			c.Connectors[i].Name = c.Connectors[i].ID
		}
		c.Connectors[i].Type = strings.ToLower(c.Connectors[i].Type)
	}
}

func (c *Config) Validate() error {
	for _, port := range []int{c.CommandPort, c.DataPort, c.Monitor.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
	}
	if c.CommandPort != 0 && c.CommandPort == c.DataPort {
		return fmt.Errorf("command and data ports are both %d", c.CommandPort)
	}
	if c.Buffer.Capacity < 0 {
		return fmt.Errorf("invalid buffer capacity %d", c.Buffer.Capacity)
	}
	if *c.WriteRetries < 0 {
		return fmt.Errorf("invalid write_retries %d", *c.WriteRetries)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.InfluxDB.Host != "" && (c.InfluxDB.Organization == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb needs organization and bucket")
	}

	seen := make(map[string]struct{}, len(c.Connectors))
	for _, conn := range c.Connectors {
		if conn.ID == "" {
			return fmt.Errorf("connector without id")
		}
		if _, ok := seen[conn.ID]; ok {
			return fmt.Errorf("connector %s defined twice", conn.ID)
		}
		seen[conn.ID] = struct{}{}
		switch conn.Type {
		case "simulator", "ftbuffer", "shmem":
		default:
			return fmt.Errorf("connector %s: unknown type %q", conn.ID, conn.Type)
		}
		if conn.Buffer != nil && conn.Buffer.Capacity < 0 {
			return fmt.Errorf("connector %s: invalid buffer capacity %d", conn.ID, conn.Buffer.Capacity)
		}
	}
	return nil
}

func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) addr(port int) string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(port))
}

func (c *Config) MonitorAddr() string {
	if !c.Monitor.Enabled {
		return ""
	}
	return c.addr(c.Monitor.Port)
}

func (c *Config) ServerOptions() acqstream.Options {
	opts := acqstream.Options{
		CommandAddr:    c.addr(c.CommandPort),
		DataAddr:       c.addr(c.DataPort),
		BufferCapacity: c.Buffer.Capacity,
		WriteTimeout:   c.WriteTimeout,
		WriteRetries:   *c.WriteRetries,
		ReadPoll:       c.ReadPoll,
		Restart:        c.Restart,
	}
	if c.Buffer.Policy != nil {
		opts.BufferPolicy = *c.Buffer.Policy
	}
	return opts
}

// Registrations builds the connector registrations of the connectors list.
func (c *Config) Registrations() ([]connector.Registration, error) {
	regs := make([]connector.Registration, 0, len(c.Connectors))
	for _, conn := range c.Connectors {
		var reg connector.Registration
		switch conn.Type {
		case "simulator":
			var cfg simulator.Config
			if conn.Simulator != nil {
				cfg = *conn.Simulator
			}
			reg = simulator.Registration(conn.ID, conn.Name, simulator.NewSettings(cfg))
		case "ftbuffer":
			var cfg ftbuffer.Config
			if conn.FTBuffer != nil {
				cfg = *conn.FTBuffer
			}
			reg = ftbuffer.Registration(conn.ID, conn.Name, cfg)
		case "shmem":
			var cfg shmem.Config
			if conn.Shmem != nil {
				cfg = *conn.Shmem
			}
			reg = shmem.Registration(conn.ID, conn.Name, cfg)
		default:
			return nil, fmt.Errorf("connector %s: unknown type %q", conn.ID, conn.Type)
		}
		if conn.Buffer != nil {
			reg.Capacity = conn.Buffer.Capacity
			reg.Policy = conn.Buffer.Policy
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// Package connector defines the contract between the server and an acquisition
// backend, and the producer goroutine that drives one.
package connector

import (
	"context"
	"errors"

	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/norasector/acqstream/pkg/ringbuffer"
	"github.com/norasector/acqstream/pkg/types"
)

var (
	// ErrStreamEnded is returned by Run when the source reached its end.
	ErrStreamEnded = errors.New("stream ended")
	// ErrConnection wraps failures to reach a backend.
	ErrConnection = errors.New("connection error")
	// ErrBackendUnavailable wraps failures of a backend that went away and may
	// come back, such as a restarted acquisition daemon.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Sink receives the blocks of a running connector.
type Sink interface {
	WriteContext(ctx context.Context, block *types.SampleBlock) error
}

var _ Sink = (*ringbuffer.Writer[*types.SampleBlock])(nil)

// Connector is one acquisition backend. A Connector value is used for a single
// session: Open, then Run once, then Close.
type Connector interface {
	// Open connects to the backend and returns the layout of the data Run
	// will produce.
	Open(ctx context.Context) (*types.MeasurementInfo, error)
	// Run produces blocks into sink until ctx is cancelled (returns ctx.Err()),
	// the source ends (returns ErrStreamEnded) or the backend fails.
	Run(ctx context.Context, sink Sink) error
	// Close releases backend resources. It is safe to call after a failed Open.
	Close() error
}

// Factory builds a fresh Connector for a new session.
type Factory func() (Connector, error)

// Registration describes a connector known to the server.
type Registration struct {
	ID          string
	DisplayName string
	Kind        string
	Factory     Factory
	// Policy of the session ring buffer. Nil uses the server default.
	Policy *ringbuffer.Policy
	// Capacity of the session ring buffer in blocks. Zero uses the server default.
	Capacity int
	// Commands are extra control commands this connector contributes.
	Commands []command.Spec
}

// Package simulator replays a recorded stream, or synthesizes one, at the
// sampling rate times an acceleration factor.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/fifftag"
	"github.com/norasector/acqstream/pkg/types"
)

type Simulator struct {
	cfg  Config
	info *types.MeasurementInfo
	src  source
}

// source yields blocks of exactly n samples. It returns io.EOF when no full
// or partial block is left.
type source interface {
	next(n int) (*types.SampleBlock, error)
	close() error
}

func New(cfg Config) *Simulator {
	cfg.applyDefaults()
	return &Simulator{cfg: cfg}
}

func (s *Simulator) Open(ctx context.Context) (*types.MeasurementInfo, error) {
	if s.cfg.File == "" {
		info := &types.MeasurementInfo{
			SamplingRate:      s.cfg.SamplingRate,
			Channels:          s.cfg.Channels,
			BufferSizeSamples: uint32(s.cfg.BufferSize),
		}
		if err := info.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", connector.ErrConnection, err)
		}
		if err := s.checkBlockSize(info); err != nil {
			return nil, err
		}
		s.info = info
		s.src = &synthSource{cfg: s.cfg, maxBlocks: s.cfg.MaxBlocks}
		return info.Clone(), nil
	}

	fs, err := openFileSource(s.cfg.File, s.cfg.Loop)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", connector.ErrConnection, err)
	}
	info := fs.info.Clone()
	info.BufferSizeSamples = uint32(s.cfg.BufferSize)
	if err := s.checkBlockSize(info); err != nil {
		fs.close()
		return nil, err
	}
	s.info = info
	s.src = fs
	return info.Clone(), nil
}

// checkBlockSize rejects a block size whose blocks could not be sent. A
// recording may have more channels than the settings were bounded for.
func (s *Simulator) checkBlockSize(info *types.MeasurementInfo) error {
	if limit := fifftag.MaxDataSamples(info.NumChannels()); s.cfg.BufferSize > limit {
		return fmt.Errorf("%w: buffer size %d exceeds %d samples for %d channels",
			connector.ErrConnection, s.cfg.BufferSize, limit, info.NumChannels())
	}
	return nil
}

// interval is the wall time one block represents, shortened by Accel.
func (s *Simulator) interval() time.Duration {
	seconds := float64(s.cfg.BufferSize) / (s.info.SamplingRate * s.cfg.Accel)
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Microsecond {
		d = time.Microsecond
	}
	return d
}

func (s *Simulator) Run(ctx context.Context, sink connector.Sink) error {
	if s.src == nil {
		return errors.New("simulator not opened")
	}

	tick := time.NewTicker(s.interval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			block, err := s.src.next(s.cfg.BufferSize)
			if errors.Is(err, io.EOF) {
				return connector.ErrStreamEnded
			}
			if err != nil {
				return err
			}
			if err := sink.WriteContext(ctx, block); err != nil {
				return err
			}
		}
	}
}

func (s *Simulator) Close() error {
	if s.src == nil {
		return nil
	}
	return s.src.close()
}

type synthSource struct {
	cfg       Config
	sample    uint64
	blocks    int
	maxBlocks int
}

func (s *synthSource) next(n int) (*types.SampleBlock, error) {
	if s.maxBlocks > 0 && s.blocks >= s.maxBlocks {
		if !s.cfg.Loop {
			return nil, io.EOF
		}
		s.blocks = 0
	}
	s.blocks++

	chs := s.cfg.Channels
	data := make([]float64, len(chs)*n)
	rate := s.cfg.SamplingRate
	for c, ch := range chs {
		row := data[c*n : (c+1)*n]
		freq := s.cfg.Frequency * float64(c+1)
		for i := range row {
			k := s.sample + uint64(i)
			if ch.Kind == types.ChannelSTIM {
				// One trigger pulse per second.
				if k%uint64(math.Max(rate, 1)) == 0 {
					row[i] = 1
				}
				continue
			}
			row[i] = s.cfg.Amplitude * math.Sin(2*math.Pi*freq*float64(k)/rate)
		}
	}
	block, err := types.NewSampleBlock(s.sample, len(chs), n, data)
	if err != nil {
		return nil, err
	}
	s.sample += uint64(n)
	return block, nil
}

func (s *synthSource) close() error { return nil }

// fileSource re-chunks the DATA tags of a recording into blocks of the
// requested size.
type fileSource struct {
	path    string
	loop    bool
	f       *os.File
	r       *fifftag.Reader
	info    *types.MeasurementInfo
	pending [][]float64
	sample  uint64
}

func openFileSource(path string, loop bool) (*fileSource, error) {
	fs := &fileSource{path: path, loop: loop}
	if err := fs.rewind(); err != nil {
		return nil, err
	}
	fs.pending = make([][]float64, fs.info.NumChannels())
	return fs, nil
}

func (fs *fileSource) rewind() error {
	if fs.f != nil {
		fs.f.Close()
	}
	f, err := os.Open(fs.path)
	if err != nil {
		return err
	}
	r := fifftag.NewReader(f)
	tag, err := r.ReadTag()
	if err != nil {
		f.Close()
		return fmt.Errorf("reading %s: %w", fs.path, err)
	}
	info, err := fifftag.ParseInfo(tag)
	if err != nil {
		f.Close()
		return fmt.Errorf("reading %s: %w", fs.path, err)
	}
	if fs.info != nil && info.Measurement.NumChannels() != fs.info.NumChannels() {
		f.Close()
		return fmt.Errorf("%s changed channel layout", fs.path)
	}
	fs.f, fs.r, fs.info = f, r, info.Measurement
	return nil
}

func (fs *fileSource) buffered() int {
	if len(fs.pending) == 0 {
		return 0
	}
	return len(fs.pending[0])
}

// fill reads DATA tags until n samples are buffered. It returns io.EOF at the
// end of a non-looping recording.
func (fs *fileSource) fill(n int) error {
	looped := false
	for fs.buffered() < n {
		tag, err := fs.r.ReadTag()
		if errors.Is(err, io.EOF) {
			if !fs.loop || looped {
				return io.EOF
			}
			// A recording without any DATA would loop forever.
			looped = fs.buffered() == 0
			if err := fs.rewind(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if tag.Kind != fifftag.KindData {
			continue
		}
		block, err := fifftag.ParseData(tag)
		if err != nil {
			return err
		}
		if block.Channels() != len(fs.pending) {
			return fmt.Errorf("%w: recorded block has %d channels, info has %d", fifftag.ErrLayoutMismatch, block.Channels(), len(fs.pending))
		}
		looped = false
		for c := range fs.pending {
			fs.pending[c] = append(fs.pending[c], block.Data.RawRowView(c)...)
		}
	}
	return nil
}

func (fs *fileSource) next(n int) (*types.SampleBlock, error) {
	err := fs.fill(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	take := fs.buffered()
	if take == 0 {
		return nil, io.EOF
	}
	if take > n {
		take = n
	}

	data := make([]float64, 0, len(fs.pending)*take)
	for c := range fs.pending {
		data = append(data, fs.pending[c][:take]...)
		fs.pending[c] = fs.pending[c][take:]
	}
	block, err := types.NewSampleBlock(fs.sample, len(fs.pending), take, data)
	if err != nil {
		return nil, err
	}
	fs.sample += uint64(take)
	return block, nil
}

func (fs *fileSource) close() error {
	if fs.f == nil {
		return nil
	}
	return fs.f.Close()
}

package types

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SampleBlock is a channels x samples chunk of data. Rows are channels.
// Blocks are shared between readers and must not be modified once published.
type SampleBlock struct {
	FirstSample uint64
	Data        *mat.Dense
}

// NewSampleBlock wraps a row-major (by channel) slice. data is not copied.
func NewSampleBlock(firstSample uint64, channels, samples int, data []float64) (*SampleBlock, error) {
	if channels <= 0 || samples <= 0 {
		return nil, fmt.Errorf("invalid block shape %dx%d", channels, samples)
	}
	if len(data) != channels*samples {
		return nil, fmt.Errorf("block data has %d values, want %d", len(data), channels*samples)
	}
	return &SampleBlock{
		FirstSample: firstSample,
		Data:        mat.NewDense(channels, samples, data),
	}, nil
}

// NewInterleavedBlock builds a block from sample-major data (all channels of
// sample 0, then sample 1, ...), the layout most acquisition backends deliver.
func NewInterleavedBlock(firstSample uint64, channels int, interleaved []float64) (*SampleBlock, error) {
	if channels <= 0 || len(interleaved) == 0 || len(interleaved)%channels != 0 {
		return nil, fmt.Errorf("cannot split %d values into %d channels", len(interleaved), channels)
	}
	samples := len(interleaved) / channels
	// Interleaved data is a samples x channels matrix; the block is its transpose.
	src := mat.NewDense(samples, channels, interleaved)
	dst := mat.NewDense(channels, samples, nil)
	dst.Copy(src.T())
	return &SampleBlock{FirstSample: firstSample, Data: dst}, nil
}

func (b *SampleBlock) Channels() int {
	r, _ := b.Data.Dims()
	return r
}

func (b *SampleBlock) Samples() int {
	_, c := b.Data.Dims()
	return c
}

// Float32 returns the block as float32, row-major by channel.
func (b *SampleBlock) Float32() []float32 {
	r, c := b.Data.Dims()
	out := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for _, v := range b.Data.RawRowView(i) {
			out = append(out, float32(v))
		}
	}
	return out
}

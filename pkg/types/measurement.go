package types

import (
	"errors"
	"fmt"
	"math"
)

// MeasurementInfo is the channel layout and rate of one acquisition session.
// It is published once per session and never mutated afterwards.
type MeasurementInfo struct {
	SamplingRate      float64       `json:"sampling_rate"`
	Channels          []ChannelInfo `json:"channels"`
	BufferSizeSamples uint32        `json:"buffer_size_samples"`
}

func (m *MeasurementInfo) NumChannels() int {
	if m == nil {
		return 0
	}
	return len(m.Channels)
}

func (m *MeasurementInfo) Validate() error {
	if m == nil {
		return errors.New("measurement info is nil")
	}
	if len(m.Channels) == 0 {
		return errors.New("measurement info has no channels")
	}
	if !(m.SamplingRate > 0) || math.IsInf(m.SamplingRate, 1) {
		return fmt.Errorf("invalid sampling rate %v", m.SamplingRate)
	}
	seen := make(map[string]struct{}, len(m.Channels))
	for i, ch := range m.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel %d has no name", i)
		}
		if _, ok := seen[ch.Name]; ok {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = struct{}{}
	}
	return nil
}

func (m *MeasurementInfo) Clone() *MeasurementInfo {
	if m == nil {
		return nil
	}
	c := *m
	c.Channels = make([]ChannelInfo, len(m.Channels))
	copy(c.Channels, m.Channels)
	return &c
}

// DefaultChannels builds n MISC channels named ch001..chNNN.
func DefaultChannels(n int) []ChannelInfo {
	chs := make([]ChannelInfo, n)
	for i := range chs {
		chs[i] = ChannelInfo{
			Name:        fmt.Sprintf("ch%03d", i+1),
			Kind:        ChannelMISC,
			Unit:        UnitNone,
			Calibration: 1,
		}
	}
	return chs
}

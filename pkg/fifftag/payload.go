package fifftag

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/norasector/acqstream/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrLayoutMismatch = errors.New("block does not match channel layout")

// Info is the payload of an INFO tag. The wire form is the protobuf message
// described in info.proto.
type Info struct {
	Measurement *types.MeasurementInfo
	ConnectorID string
	Session     string
}

const (
	infoFieldSamplingRate protowire.Number = 1
	infoFieldBufferSize   protowire.Number = 2
	infoFieldChannel      protowire.Number = 3
	infoFieldConnectorID  protowire.Number = 4
	infoFieldSession      protowire.Number = 5

	chanFieldName        protowire.Number = 1
	chanFieldKind        protowire.Number = 2
	chanFieldUnit        protowire.Number = 3
	chanFieldCalibration protowire.Number = 4
)

func NewInfo(info *Info) (*Tag, error) {
	if err := info.Measurement.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTag, err)
	}
	m := info.Measurement

	var b []byte
	b = protowire.AppendTag(b, infoFieldSamplingRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.SamplingRate))
	b = protowire.AppendTag(b, infoFieldBufferSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.BufferSizeSamples))
	for _, ch := range m.Channels {
		var cb []byte
		cb = protowire.AppendTag(cb, chanFieldName, protowire.BytesType)
		cb = protowire.AppendString(cb, ch.Name)
		cb = protowire.AppendTag(cb, chanFieldKind, protowire.VarintType)
		cb = protowire.AppendVarint(cb, uint64(int64(ch.Kind)))
		cb = protowire.AppendTag(cb, chanFieldUnit, protowire.VarintType)
		cb = protowire.AppendVarint(cb, uint64(int64(ch.Unit)))
		cb = protowire.AppendTag(cb, chanFieldCalibration, protowire.Fixed64Type)
		cb = protowire.AppendFixed64(cb, math.Float64bits(ch.Calibration))

		b = protowire.AppendTag(b, infoFieldChannel, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	if info.ConnectorID != "" {
		b = protowire.AppendTag(b, infoFieldConnectorID, protowire.BytesType)
		b = protowire.AppendString(b, info.ConnectorID)
	}
	if info.Session != "" {
		b = protowire.AppendTag(b, infoFieldSession, protowire.BytesType)
		b = protowire.AppendString(b, info.Session)
	}
	return &Tag{Kind: KindInfo, Data: b}, nil
}

func ParseInfo(t *Tag) (*Info, error) {
	if t.Kind != KindInfo {
		return nil, fmt.Errorf("%w: expected INFO, got %s", ErrMalformedTag, t.Kind)
	}
	info := &Info{Measurement: &types.MeasurementInfo{}}
	err := walkFields(t.Data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == infoFieldSamplingRate && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			info.Measurement.SamplingRate = math.Float64frombits(v)
			return n, nil
		case num == infoFieldBufferSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			info.Measurement.BufferSizeSamples = uint32(v)
			return n, nil
		case num == infoFieldChannel && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			ch, err := parseChannel(v)
			if err != nil {
				return 0, err
			}
			info.Measurement.Channels = append(info.Measurement.Channels, ch)
			return n, nil
		case num == infoFieldConnectorID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			info.ConnectorID = v
			return n, nil
		case num == infoFieldSession && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			info.Session = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if err := info.Measurement.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTag, err)
	}
	return info, nil
}

func parseChannel(b []byte) (types.ChannelInfo, error) {
	var ch types.ChannelInfo
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == chanFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ch.Name = v
			return n, nil
		case num == chanFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ch.Kind = types.ChannelKind(int32(v))
			return n, nil
		case num == chanFieldUnit && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ch.Unit = types.Unit(int32(v))
			return n, nil
		case num == chanFieldCalibration && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			ch.Calibration = math.Float64frombits(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return ch, err
}

// walkFields calls fn for every field in b. fn consumes the field value and
// returns the number of bytes used, negative on a protowire error.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedTag, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedTag, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

const dataHeaderSize = 16

// MaxDataSamples is the largest number of samples per channel a DATA tag of
// the given width can carry.
func MaxDataSamples(channels int) int {
	if channels <= 0 {
		return 0
	}
	return (MaxPayloadSize - dataHeaderSize) / (4 * channels)
}

// NewData encodes block as a DATA tag. When info is given the block must have
// one row per channel of info.
func NewData(block *types.SampleBlock, info *types.MeasurementInfo) (*Tag, error) {
	if block == nil || block.Data == nil {
		return nil, fmt.Errorf("%w: empty block", ErrMalformedTag)
	}
	channels, samples := block.Channels(), block.Samples()
	if info != nil && channels != info.NumChannels() {
		return nil, fmt.Errorf("%w: %d rows, %d channels", ErrLayoutMismatch, channels, info.NumChannels())
	}
	if samples > MaxDataSamples(channels) {
		return nil, fmt.Errorf("%w: %dx%d block exceeds payload limit", ErrMalformedTag, channels, samples)
	}

	b := make([]byte, dataHeaderSize, dataHeaderSize+4*channels*samples)
	binary.LittleEndian.PutUint32(b[0:4], uint32(channels))
	binary.LittleEndian.PutUint32(b[4:8], uint32(samples))
	binary.LittleEndian.PutUint64(b[8:16], block.FirstSample)
	for _, v := range block.Float32() {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return &Tag{Kind: KindData, Data: b}, nil
}

func ParseData(t *Tag) (*types.SampleBlock, error) {
	if t.Kind != KindData {
		return nil, fmt.Errorf("%w: expected DATA, got %s", ErrMalformedTag, t.Kind)
	}
	if len(t.Data) < dataHeaderSize {
		return nil, fmt.Errorf("%w: DATA payload too short", ErrMalformedTag)
	}
	ch := uint64(binary.LittleEndian.Uint32(t.Data[0:4]))
	ns := uint64(binary.LittleEndian.Uint32(t.Data[4:8]))
	first := binary.LittleEndian.Uint64(t.Data[8:16])
	body := t.Data[dataHeaderSize:]
	// Both fields are below 2^32, so ch*ns cannot wrap in uint64.
	if ch == 0 || ns == 0 || len(body)%4 != 0 || uint64(len(body)/4) != ch*ns {
		return nil, fmt.Errorf("%w: DATA %dx%d does not match %d payload bytes", ErrMalformedTag, ch, ns, len(body))
	}
	channels, samples := int(ch), int(ns)
	values := make([]float64, channels*samples)
	for i := range values {
		values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:])))
	}
	return types.NewSampleBlock(first, channels, samples, values)
}

func NewGap(dropped uint64) *Tag {
	return &Tag{Kind: KindGap, Data: binary.LittleEndian.AppendUint64(nil, dropped)}
}

func ParseGap(t *Tag) (uint64, error) {
	if t.Kind != KindGap || len(t.Data) != 8 {
		return 0, fmt.Errorf("%w: bad GAP tag", ErrMalformedTag)
	}
	return binary.LittleEndian.Uint64(t.Data), nil
}

type EndReason uint32

const (
	EndOfStream EndReason = 0
	EndShutdown EndReason = 1
)

func (r EndReason) String() string {
	switch r {
	case EndOfStream:
		return "eof"
	case EndShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("reason(%d)", uint32(r))
}

func NewEnd(reason EndReason) *Tag {
	return &Tag{Kind: KindEnd, Data: binary.LittleEndian.AppendUint32(nil, uint32(reason))}
}

func ParseEnd(t *Tag) (EndReason, error) {
	if t.Kind != KindEnd || len(t.Data) != 4 {
		return 0, fmt.Errorf("%w: bad END tag", ErrMalformedTag)
	}
	return EndReason(binary.LittleEndian.Uint32(t.Data)), nil
}

// NewReset tells the client that its stream was invalidated and that it must
// wait for a new INFO before interpreting further data.
func NewReset(connectorID string) *Tag {
	return &Tag{Kind: KindReset, Data: []byte(connectorID)}
}

func NewError(msg string) *Tag {
	return &Tag{Kind: KindError, Data: []byte(msg)}
}

type ClientCommand int32

const (
	CommandGetClientID ClientCommand = 1
	CommandSetAlias    ClientCommand = 2
)

func NewCommand(cmd ClientCommand, arg []byte) *Tag {
	b := binary.LittleEndian.AppendUint32(nil, uint32(cmd))
	return &Tag{Kind: KindCommand, Data: append(b, arg...)}
}

func ParseCommand(t *Tag) (ClientCommand, []byte, error) {
	if t.Kind != KindCommand || len(t.Data) < 4 {
		return 0, nil, fmt.Errorf("%w: bad COMMAND tag", ErrMalformedTag)
	}
	return ClientCommand(int32(binary.LittleEndian.Uint32(t.Data))), t.Data[4:], nil
}

func NewClientID(id int32) *Tag {
	return &Tag{Kind: KindClientID, Data: binary.LittleEndian.AppendUint32(nil, uint32(id))}
}

func ParseClientID(t *Tag) (int32, error) {
	if t.Kind != KindClientID || len(t.Data) != 4 {
		return 0, fmt.Errorf("%w: bad CLIENT_ID tag", ErrMalformedTag)
	}
	return int32(binary.LittleEndian.Uint32(t.Data)), nil
}

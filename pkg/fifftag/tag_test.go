package fifftag

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/norasector/acqstream/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo() *types.MeasurementInfo {
	return &types.MeasurementInfo{
		SamplingRate:      1000,
		BufferSizeSamples: 4,
		Channels: []types.ChannelInfo{
			{Name: "MEG0111", Kind: types.ChannelMEG, Unit: types.UnitTeslaPerMetr, Calibration: 1e-13},
			{Name: "EEG001", Kind: types.ChannelEEG, Unit: types.UnitVolt, Calibration: 1e-6},
			{Name: "STI014", Kind: types.ChannelSTIM, Unit: types.UnitNone, Calibration: 1},
		},
	}
}

func TestHeaderLayout(t *testing.T) {
	b, err := Encode(&Tag{Kind: KindData, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.Len(t, b, 11)
	assert.Equal(t, uint32(300), binary.LittleEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(b[4:8]))
	assert.Equal(t, []byte{1, 2, 3}, b[8:])
}

func TestDecode(t *testing.T) {
	b, err := Encode(&Tag{Kind: KindGap, Data: []byte{9, 9}})
	require.NoError(t, err)
	b = append(b, 0xff) // trailing bytes of the next tag

	tag, n, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, KindGap, tag.Kind)

	_, _, err = Decode(b[:5])
	assert.ErrorIs(t, err, ErrShortBuffer)
	_, _, err = Decode(b[:9])
	assert.ErrorIs(t, err, ErrShortBuffer)

	huge := binary.LittleEndian.AppendUint32(nil, uint32(KindData))
	huge = binary.LittleEndian.AppendUint32(huge, MaxPayloadSize+1)
	_, _, err = Decode(huge)
	assert.ErrorIs(t, err, ErrMalformedTag)
}

func TestInfoRoundTrip(t *testing.T) {
	tag, err := NewInfo(&Info{Measurement: testInfo(), ConnectorID: "sim1", Session: "abc"})
	require.NoError(t, err)
	assert.Equal(t, KindInfo, tag.Kind)

	got, err := ParseInfo(tag)
	require.NoError(t, err)
	assert.Equal(t, testInfo(), got.Measurement)
	assert.Equal(t, "sim1", got.ConnectorID)
	assert.Equal(t, "abc", got.Session)
}

func TestInfoRejectsInvalid(t *testing.T) {
	_, err := NewInfo(&Info{Measurement: &types.MeasurementInfo{SamplingRate: 1}})
	assert.ErrorIs(t, err, ErrMalformedTag)

	_, err = ParseInfo(&Tag{Kind: KindInfo, Data: []byte{0xff}})
	assert.ErrorIs(t, err, ErrMalformedTag)
}

func TestDataMatchesLayout(t *testing.T) {
	info := testInfo()
	block, err := types.NewSampleBlock(42, 3, 2, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	tag, err := NewData(block, info)
	require.NoError(t, err)
	assert.Equal(t, dataHeaderSize+3*2*4, len(tag.Data))

	got, err := ParseData(tag)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.FirstSample)
	assert.Equal(t, info.NumChannels(), got.Channels())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Float32())

	wrong, err := types.NewSampleBlock(0, 2, 3, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	_, err = NewData(wrong, info)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestParseDataMalformed(t *testing.T) {
	tag := &Tag{Kind: KindData, Data: make([]byte, dataHeaderSize+3)}
	binary.LittleEndian.PutUint32(tag.Data[0:4], 1)
	binary.LittleEndian.PutUint32(tag.Data[4:8], 1)
	_, err := ParseData(tag)
	assert.ErrorIs(t, err, ErrMalformedTag)

	// Shapes whose byte count wraps around must not reach the allocation.
	for _, dims := range [][2]uint32{{1 << 31, 1 << 31}, {1 << 30, 1 << 2}, {0xffffffff, 0xffffffff}} {
		tag := &Tag{Kind: KindData, Data: make([]byte, dataHeaderSize)}
		binary.LittleEndian.PutUint32(tag.Data[0:4], dims[0])
		binary.LittleEndian.PutUint32(tag.Data[4:8], dims[1])
		require.NotPanics(t, func() {
			_, err = ParseData(tag)
		})
		assert.ErrorIs(t, err, ErrMalformedTag, "%dx%d", dims[0], dims[1])
	}
}

func TestNewDataTooLarge(t *testing.T) {
	for _, ch := range []int{1, 8, 306} {
		n := MaxDataSamples(ch)
		assert.LessOrEqual(t, dataHeaderSize+4*ch*n, MaxPayloadSize, ch)
		assert.Greater(t, dataHeaderSize+4*ch*(n+1), MaxPayloadSize, ch)
	}

	samples := MaxDataSamples(8) + 1
	block, err := types.NewSampleBlock(0, 8, samples, make([]float64, 8*samples))
	require.NoError(t, err)
	_, err = NewData(block, nil)
	assert.ErrorIs(t, err, ErrMalformedTag)
}

func TestControlTags(t *testing.T) {
	n, err := ParseGap(NewGap(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	r, err := ParseEnd(NewEnd(EndShutdown))
	require.NoError(t, err)
	assert.Equal(t, EndShutdown, r)

	cmd, arg, err := ParseCommand(NewCommand(CommandSetAlias, []byte("viewer")))
	require.NoError(t, err)
	assert.Equal(t, CommandSetAlias, cmd)
	assert.Equal(t, "viewer", string(arg))

	id, err := ParseClientID(NewClientID(12))
	require.NoError(t, err)
	assert.Equal(t, int32(12), id)

	_, err = ParseGap(NewEnd(EndOfStream))
	assert.ErrorIs(t, err, ErrMalformedTag)
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteTag(NewGap(1)))
	require.NoError(t, w.WriteTag(NewReset("sim1")))
	require.NoError(t, w.WriteTag(NewEnd(EndOfStream)))

	r := NewReader(bytes.NewReader(buf.Bytes()))
	var kinds []Kind
	for {
		tag, err := r.ReadTag()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, tag.Kind)
	}
	assert.Equal(t, []Kind{KindGap, KindReset, KindEnd}, kinds)

	r = NewReader(bytes.NewReader(buf.Bytes()[:20]))
	_, err := r.ReadTag()
	require.NoError(t, err)
	_, err = r.ReadTag()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

package simulator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream/command"
	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/fifftag"
	"github.com/norasector/acqstream/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectSink struct {
	mu     sync.Mutex
	blocks []*types.SampleBlock
	limit  int
	full   chan struct{}
}

func newCollectSink(limit int) *collectSink {
	return &collectSink{limit: limit, full: make(chan struct{})}
}

func (c *collectSink) WriteContext(ctx context.Context, b *types.SampleBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
	if len(c.blocks) == c.limit {
		close(c.full)
	}
	return nil
}

func (c *collectSink) Blocks() []*types.SampleBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.SampleBlock(nil), c.blocks...)
}

func TestSyntheticEndsAfterMaxBlocks(t *testing.T) {
	sim := New(Config{NumChannels: 3, SamplingRate: 1000, BufferSize: 10, Accel: 1000, MaxBlocks: 3})
	info, err := sim.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, info.NumChannels())
	assert.Equal(t, uint32(10), info.BufferSizeSamples)

	sink := newCollectSink(-1)
	err = sim.Run(context.Background(), sink)
	assert.ErrorIs(t, err, connector.ErrStreamEnded)

	blocks := sink.Blocks()
	require.Len(t, blocks, 3)
	for i, b := range blocks {
		assert.Equal(t, 3, b.Channels())
		assert.Equal(t, 10, b.Samples())
		assert.Equal(t, uint64(i*10), b.FirstSample)
	}
	require.NoError(t, sim.Close())
}

func TestRunStopsOnCancel(t *testing.T) {
	sim := New(Config{NumChannels: 1, Accel: 100})
	_, err := sim.Open(context.Background())
	require.NoError(t, err)

	sink := newCollectSink(2)
	p := connector.Start(context.Background(), sim, sink)
	select {
	case <-sink.full:
	case <-time.After(5 * time.Second):
		t.Fatal("no blocks produced")
	}
	assert.ErrorIs(t, p.Stop(), context.Canceled)
	assert.ErrorIs(t, p.Stop(), context.Canceled, "stop is idempotent")
}

func writeRecording(t *testing.T, blocks ...[]float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.tag")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	info := &types.MeasurementInfo{SamplingRate: 500, Channels: types.DefaultChannels(2)}
	w := fifftag.NewWriter(f)
	tag, err := fifftag.NewInfo(&fifftag.Info{Measurement: info})
	require.NoError(t, err)
	require.NoError(t, w.WriteTag(tag))
	var first uint64
	for _, data := range blocks {
		b, err := types.NewSampleBlock(first, 2, len(data)/2, data)
		require.NoError(t, err)
		tag, err := fifftag.NewData(b, info)
		require.NoError(t, err)
		require.NoError(t, w.WriteTag(tag))
		first += uint64(len(data) / 2)
	}
	return path
}

func TestFileReplayRechunks(t *testing.T) {
	// Two recorded blocks of 3 samples each, replayed in blocks of 4.
	path := writeRecording(t,
		[]float64{1, 2, 3, 10, 20, 30},
		[]float64{4, 5, 6, 40, 50, 60},
	)
	sim := New(Config{File: path, BufferSize: 4, Accel: 1000})
	info, err := sim.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, info.SamplingRate)
	assert.Equal(t, uint32(4), info.BufferSizeSamples)

	sink := newCollectSink(-1)
	assert.ErrorIs(t, sim.Run(context.Background(), sink), connector.ErrStreamEnded)
	blocks := sink.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, blocks[0].Float32())
	assert.Equal(t, []float32{5, 6, 50, 60}, blocks[1].Float32())
	assert.Equal(t, uint64(4), blocks[1].FirstSample)
	require.NoError(t, sim.Close())
}

func TestFileReplayLoops(t *testing.T) {
	path := writeRecording(t, []float64{1, 2, 10, 20})
	sim := New(Config{File: path, BufferSize: 3, Accel: 1000, Loop: true})
	_, err := sim.Open(context.Background())
	require.NoError(t, err)

	sink := newCollectSink(3)
	p := connector.Start(context.Background(), sim, sink)
	<-sink.full
	p.Stop()
	blocks := sink.Blocks()
	assert.Equal(t, []float32{1, 2, 1, 10, 20, 10}, blocks[0].Float32())
	assert.Equal(t, uint64(3), blocks[1].FirstSample)
	require.NoError(t, sim.Close())
}

func TestOpenMissingFile(t *testing.T) {
	sim := New(Config{File: filepath.Join(t.TempDir(), "missing.tag")})
	_, err := sim.Open(context.Background())
	assert.ErrorIs(t, err, connector.ErrConnection)
	assert.NoError(t, sim.Close())
}

func TestSettingsCommands(t *testing.T) {
	s := NewSettings(Config{})
	reg := command.NewRegistry()
	for _, spec := range s.Commands() {
		require.NoError(t, reg.Register(spec))
	}
	run := func(line string) command.Response {
		cmd, err := command.Parse(line)
		require.NoError(t, err)
		return reg.Dispatch(context.Background(), &command.Request{Command: cmd})
	}

	assert.Equal(t, command.OK("512"), run("getbufsize"))
	assert.True(t, run("bufsize 128").OK)
	assert.Equal(t, command.OK("128"), run("getbufsize"))
	assert.False(t, run("bufsize -1").OK)
	assert.False(t, run("bufsize abc").OK)

	assert.True(t, run("accel 2.5").OK)
	assert.Equal(t, command.OK("2.500"), run("getaccel"))
	assert.Equal(t, command.OK(`{"accel":2.5}`), run(`{"command":"getaccel"}`))
	assert.False(t, run("accel 0").OK)
	for _, bad := range []string{"NaN", "Inf", "-Inf"} {
		assert.False(t, run("accel "+bad).OK, bad)
	}
	assert.Equal(t, 2.5, s.Snapshot().Accel)

	// Eight default channels: one block must fit a DATA tag.
	limit := fifftag.MaxDataSamples(8)
	resp := run(fmt.Sprintf("bufsize %d", limit+1))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Payload, command.ErrMalformedCommand.Error())
	assert.False(t, run("bufsize 1000000000").OK)
	assert.Equal(t, 128, s.Snapshot().BufferSize)

	assert.True(t, run(`simfile "/tmp/some file.tag"`).OK)
	assert.Equal(t, "/tmp/some file.tag", s.Snapshot().File)

	reg2 := Registration("sim1", "Simulator", s)
	c, err := reg2.Factory()
	require.NoError(t, err)
	assert.Equal(t, 128, c.(*Simulator).cfg.BufferSize)
}

func TestOpenRejectsOversizedBlocks(t *testing.T) {
	sim := New(Config{NumChannels: 4, BufferSize: fifftag.MaxDataSamples(4) + 1})
	_, err := sim.Open(context.Background())
	assert.ErrorIs(t, err, connector.ErrConnection)
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/norasector/acqstream/pkg/acqstream/client"
	"github.com/norasector/acqstream/pkg/acqstream/connector/simulator"
	"github.com/norasector/acqstream/pkg/fifftag"
	"github.com/norasector/acqstream/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(t *testing.T, tag *fifftag.Tag) *client.Event {
	t.Helper()
	ev, err := client.Decode(tag)
	require.NoError(t, err)
	return ev
}

func TestRecorderReplays(t *testing.T) {
	info := &types.MeasurementInfo{SamplingRate: 250, Channels: types.DefaultChannels(2)}
	infoTag, err := fifftag.NewInfo(&fifftag.Info{Measurement: info, ConnectorID: "sim", Session: "s1"})
	require.NoError(t, err)

	dataTag := func(first uint64) *fifftag.Tag {
		b, err := types.NewSampleBlock(first, 2, 2, []float64{1, 2, 3, 4})
		require.NoError(t, err)
		tag, err := fifftag.NewData(b, info)
		require.NoError(t, err)
		return tag
	}

	path := filepath.Join(t.TempDir(), "rec.fif")
	f, err := os.Create(path)
	require.NoError(t, err)
	rec := newRecorder(f)

	steps := []struct {
		tag  *fifftag.Tag
		done bool
	}{
		{dataTag(0), false}, // before the first INFO, dropped
		{fifftag.NewClientID(1), false},
		{infoTag, false},
		{dataTag(0), false},
		{fifftag.NewGap(3), false},
		{infoTag, false},
		{dataTag(2), false},
		{fifftag.NewEnd(fifftag.EndOfStream), true},
	}
	for i, step := range steps {
		done, err := rec.add(event(t, step.tag))
		require.NoError(t, err, i)
		assert.Equal(t, step.done, done, i)
	}
	require.NoError(t, rec.Close())

	sim := simulator.New(simulator.Config{File: path, BufferSize: 4})
	got, err := sim.Open(context.Background())
	require.NoError(t, err)
	defer sim.Close()
	assert.Equal(t, 250.0, got.SamplingRate)
	assert.Equal(t, 2, got.NumChannels())

	r := fifftag.NewReader(mustOpen(t, path))
	var kinds []fifftag.Kind
	for {
		tag, err := r.ReadTag()
		if err != nil {
			break
		}
		kinds = append(kinds, tag.Kind)
	}
	assert.Equal(t, []fifftag.Kind{fifftag.KindInfo, fifftag.KindData, fifftag.KindData}, kinds)
}

func mustOpen(t *testing.T, path string) *os.File {
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

package shmem

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/acqstream/pkg/acqstream/connector"
	"github.com/norasector/acqstream/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon plays the acquisition daemon side of the datagram protocol,
// sending every payload inline.
type fakeDaemon struct {
	t      *testing.T
	conn   *net.UnixConn
	client *net.UnixAddr
}

func shortTempDir(t *testing.T) string {
	// Unix socket paths are limited to about 100 bytes.
	dir, err := os.MkdirTemp("", "shm")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newFakeDaemon(t *testing.T, dir string) *fakeDaemon {
	path := filepath.Join(dir, "server")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeDaemon{t: t, conn: conn}
}

func (d *fakeDaemon) path() string { return d.conn.LocalAddr().String() }

// accept waits for the registration datagram and echoes the id back.
func (d *fakeDaemon) accept() int32 {
	buf := make([]byte, 64)
	d.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, addr, err := d.conn.ReadFromUnix(buf)
	require.NoError(d.t, err)
	require.Equal(d.t, 4, n)
	d.client = addr
	_, err = d.conn.WriteToUnix(buf[:4], addr)
	require.NoError(d.t, err)
	return int32(binary.LittleEndian.Uint32(buf))
}

func (d *fakeDaemon) send(kind, typ int32, payload []byte) {
	msg := message{Kind: kind, Type: typ, Size: int32(len(payload)), Loc: -1, ShmemBuf: -1, ShmemLoc: -1}
	_, err := d.conn.WriteToUnix(msg.encode(), d.client)
	require.NoError(d.t, err)
	if len(payload) > 0 {
		_, err = d.conn.WriteToUnix(payload, d.client)
		require.NoError(d.t, err)
	}
}

func int32Bytes(v int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

func chInfoBytes(name string, kind types.ChannelKind, unit types.Unit, rng, cal float32) []byte {
	b := make([]byte, chInfoSize)
	binary.LittleEndian.PutUint32(b[8:], uint32(kind))
	binary.LittleEndian.PutUint32(b[12:], math.Float32bits(rng))
	binary.LittleEndian.PutUint32(b[16:], math.Float32bits(cal))
	binary.LittleEndian.PutUint32(b[72:], uint32(unit))
	copy(b[80:], name)
	return b
}

func (d *fakeDaemon) sendInfo() {
	d.send(kindBlockStart, typeInt, int32Bytes(blockMeasInfo))
	d.send(kindNChan, typeInt, int32Bytes(2))
	d.send(kindSFreq, typeFloat, binary.LittleEndian.AppendUint32(nil, math.Float32bits(600)))
	d.send(kindChInfo, 30, chInfoBytes("MEG0111", types.ChannelMEG, types.UnitTesla, 2, 0.5))
	d.send(kindChInfo, 30, chInfoBytes("STI101", types.ChannelSTIM, types.UnitNone, 1, 1))
	d.send(kindBlockEnd, typeInt, int32Bytes(blockMeasInfo))
}

func (d *fakeDaemon) sendData(values ...int32) {
	var b []byte
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	d.send(kindDataBuffer, typeInt, b)
}

type chanSink chan *types.SampleBlock

func (c chanSink) WriteContext(ctx context.Context, b *types.SampleBlock) error {
	select {
	case c <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTestAcquisition(dir, server string) *Acquisition {
	return New(Config{
		ServerSocket: server,
		ClientSocket: filepath.Join(dir, "client_"),
		InfoTimeout:  2 * time.Second,
		StallTimeout: 200 * time.Millisecond,
	}, zerolog.Nop())
}

func openWithDaemon(t *testing.T) (*Acquisition, *fakeDaemon) {
	dir := shortTempDir(t)
	d := newFakeDaemon(t, dir)
	a := newTestAcquisition(dir, d.path())
	t.Cleanup(func() { a.Close() })

	go func() {
		assert.Equal(t, int32(11113), d.accept())
		d.sendInfo()
	}()
	info, err := a.Open(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 600.0, info.SamplingRate)
	require.Equal(t, 2, info.NumChannels())
	assert.Equal(t, "MEG0111", info.Channels[0].Name)
	assert.Equal(t, types.ChannelMEG, info.Channels[0].Kind)
	assert.Equal(t, types.UnitTesla, info.Channels[0].Unit)
	assert.Equal(t, 1.0, info.Channels[0].Calibration)
	assert.Equal(t, types.ChannelSTIM, info.Channels[1].Kind)
	return a, d
}

func TestOpenAssemblesMeasurementInfo(t *testing.T) {
	openWithDaemon(t)
}

func TestOpenNoDaemon(t *testing.T) {
	dir := shortTempDir(t)
	a := newTestAcquisition(dir, filepath.Join(dir, "missing"))
	_, err := a.Open(context.Background())
	assert.ErrorIs(t, err, connector.ErrBackendUnavailable)
	assert.NoError(t, a.Close())
}

func TestRunStreamsUntilCloseFile(t *testing.T) {
	a, d := openWithDaemon(t)

	sink := make(chanSink, 4)
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), sink) }()

	d.sendData(1, 10, 2, 20, 3, 30)
	d.send(kindNop, typeInt, nil)
	d.sendData(4, 40)
	d.send(kindCloseFile, typeInt, nil)

	first := <-sink
	assert.Equal(t, uint64(0), first.FirstSample)
	assert.Equal(t, 3, first.Samples())
	assert.Equal(t, []float32{1, 2, 3, 10, 20, 30}, first.Float32())

	second := <-sink
	assert.Equal(t, uint64(3), second.FirstSample)
	assert.Equal(t, 1, second.Samples())

	assert.ErrorIs(t, <-done, connector.ErrStreamEnded)
}

func TestRunStallIsBackendUnavailable(t *testing.T) {
	a, _ := openWithDaemon(t)
	err := a.Run(context.Background(), make(chanSink, 1))
	assert.ErrorIs(t, err, connector.ErrBackendUnavailable)
}

func TestRunCancel(t *testing.T) {
	a, _ := openWithDaemon(t)
	a.cfg.StallTimeout = time.Minute

	p := connector.Start(context.Background(), a, make(chanSink, 1))
	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, p.Stop(), context.Canceled)
}

func TestSegmentRead(t *testing.T) {
	seg := &segment{maxClients: 2, maxData: 8, mem: make([]byte, 2*(16+8))}
	block := seg.mem[24:48]
	binary.LittleEndian.PutUint32(block[0:], 7)
	binary.LittleEndian.PutUint32(block[8:], 11113)
	copy(block[16:], []byte{1, 2, 3, 4})

	out, err := seg.read(1, 4, 11113)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(block[12:16]), "own record marked done")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(block[4:8]), "other client untouched")

	_, err = seg.read(2, 4, 11113)
	assert.Error(t, err)
	_, err = seg.read(0, 9, 11113)
	assert.Error(t, err)
	assert.NoError(t, (*segment)(nil).close())
}

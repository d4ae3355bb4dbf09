package ftbuffer

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// FieldTrip buffer protocol, version 1, little-endian.
const (
	protocolVersion = 1

	cmdGetHdr  uint16 = 0x201
	cmdGetDat  uint16 = 0x202
	cmdGetOK   uint16 = 0x204
	cmdGetErr  uint16 = 0x205
	cmdWaitDat uint16 = 0x402
	cmdWaitOK  uint16 = 0x404
	cmdWaitErr uint16 = 0x405

	dataTypeInt16   uint32 = 6
	dataTypeInt32   uint32 = 7
	dataTypeFloat32 uint32 = 9
	dataTypeFloat64 uint32 = 10

	messageDefSize = 8
	headerDefSize  = 24
	dataDefSize    = 16
)

type messageDef struct {
	Version uint16
	Command uint16
	BufSize uint32
}

func (m messageDef) encode(body []byte) []byte {
	b := make([]byte, messageDefSize, messageDefSize+len(body))
	binary.LittleEndian.PutUint16(b[0:2], m.Version)
	binary.LittleEndian.PutUint16(b[2:4], m.Command)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(body)))
	return append(b, body...)
}

func readMessage(r io.Reader) (messageDef, []byte, error) {
	var hdr [messageDefSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return messageDef{}, nil, err
	}
	m := messageDef{
		Version: binary.LittleEndian.Uint16(hdr[0:2]),
		Command: binary.LittleEndian.Uint16(hdr[2:4]),
		BufSize: binary.LittleEndian.Uint32(hdr[4:8]),
	}
	if m.Version != protocolVersion {
		return m, nil, fmt.Errorf("unsupported protocol version %d", m.Version)
	}
	if m.BufSize > 256<<20 {
		return m, nil, fmt.Errorf("message of %d bytes too large", m.BufSize)
	}
	body := make([]byte, m.BufSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return m, nil, err
	}
	return m, body, nil
}

type headerDef struct {
	NChans   uint32
	NSamples uint32
	NEvents  uint32
	FSample  float32
	DataType uint32
	BufSize  uint32
}

func parseHeaderDef(b []byte) (headerDef, error) {
	if len(b) < headerDefSize {
		return headerDef{}, fmt.Errorf("header of %d bytes too short", len(b))
	}
	return headerDef{
		NChans:   binary.LittleEndian.Uint32(b[0:4]),
		NSamples: binary.LittleEndian.Uint32(b[4:8]),
		NEvents:  binary.LittleEndian.Uint32(b[8:12]),
		FSample:  math.Float32frombits(binary.LittleEndian.Uint32(b[12:16])),
		DataType: binary.LittleEndian.Uint32(b[16:20]),
		BufSize:  binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

func (h headerDef) encode() []byte {
	b := make([]byte, headerDefSize)
	binary.LittleEndian.PutUint32(b[0:4], h.NChans)
	binary.LittleEndian.PutUint32(b[4:8], h.NSamples)
	binary.LittleEndian.PutUint32(b[8:12], h.NEvents)
	binary.LittleEndian.PutUint32(b[12:16], math.Float32bits(h.FSample))
	binary.LittleEndian.PutUint32(b[16:20], h.DataType)
	binary.LittleEndian.PutUint32(b[20:24], h.BufSize)
	return b
}

type dataDef struct {
	NChans   uint32
	NSamples uint32
	DataType uint32
	BufSize  uint32
}

func parseDataDef(b []byte) (dataDef, []byte, error) {
	if len(b) < dataDefSize {
		return dataDef{}, nil, fmt.Errorf("data definition of %d bytes too short", len(b))
	}
	d := dataDef{
		NChans:   binary.LittleEndian.Uint32(b[0:4]),
		NSamples: binary.LittleEndian.Uint32(b[4:8]),
		DataType: binary.LittleEndian.Uint32(b[8:12]),
		BufSize:  binary.LittleEndian.Uint32(b[12:16]),
	}
	body := b[dataDefSize:]
	if uint32(len(body)) < d.BufSize {
		return d, nil, fmt.Errorf("data body has %d bytes, header says %d", len(body), d.BufSize)
	}
	return d, body[:d.BufSize], nil
}

// checkValues reports whether n decoded values fill the declared shape. The
// product is taken in uint64 so a crafted header cannot wrap it.
func (d dataDef) checkValues(n int) error {
	if want := uint64(d.NChans) * uint64(d.NSamples); uint64(n) != want {
		return fmt.Errorf("data has %d values, want %d", n, want)
	}
	return nil
}

func (d dataDef) encode(body []byte) []byte {
	b := make([]byte, dataDefSize, dataDefSize+len(body))
	binary.LittleEndian.PutUint32(b[0:4], d.NChans)
	binary.LittleEndian.PutUint32(b[4:8], d.NSamples)
	binary.LittleEndian.PutUint32(b[8:12], d.DataType)
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(body)))
	return append(b, body...)
}

func dataTypeSize(t uint32) int {
	switch t {
	case dataTypeInt16:
		return 2
	case dataTypeInt32, dataTypeFloat32:
		return 4
	case dataTypeFloat64:
		return 8
	}
	return 0
}

// decodeSamples converts the sample-interleaved body to float64.
func decodeSamples(dataType uint32, body []byte) ([]float64, error) {
	size := dataTypeSize(dataType)
	if size == 0 {
		return nil, fmt.Errorf("unsupported data type %d", dataType)
	}
	if len(body)%size != 0 {
		return nil, fmt.Errorf("data body of %d bytes is not a multiple of %d", len(body), size)
	}
	out := make([]float64, len(body)/size)
	for i := range out {
		p := body[i*size:]
		switch dataType {
		case dataTypeInt16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(p)))
		case dataTypeInt32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(p)))
		case dataTypeFloat32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
		case dataTypeFloat64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(p))
		}
	}
	return out, nil
}

func encodeUint32s(vs ...uint32) []byte {
	b := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

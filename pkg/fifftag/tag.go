// Package fifftag frames the data channel as a sequence of self-describing
// tags: an 8-byte little-endian header {kind uint32, size uint32} followed by
// size bytes of payload.
package fifftag

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type Kind uint32

const (
	KindInfo     Kind = 101 // FIFFB_MEAS_INFO
	KindData     Kind = 300 // FIFF_DATA_BUFFER
	KindCommand  Kind = 3700
	KindClientID Kind = 3701
	KindGap      Kind = 3702
	KindEnd      Kind = 3703
	KindReset    Kind = 3704
	KindError    Kind = 3705
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "INFO"
	case KindData:
		return "DATA"
	case KindCommand:
		return "COMMAND"
	case KindClientID:
		return "CLIENT_ID"
	case KindGap:
		return "GAP"
	case KindEnd:
		return "END"
	case KindReset:
		return "RESET"
	case KindError:
		return "ERROR"
	}
	return fmt.Sprintf("KIND(%d)", uint32(k))
}

const (
	HeaderSize = 8
	// MaxPayloadSize bounds a single tag so a corrupt header cannot make a
	// reader allocate arbitrary memory.
	MaxPayloadSize = 64 << 20
)

var (
	ErrMalformedTag = errors.New("malformed tag")
	ErrShortBuffer  = errors.New("short buffer")
)

type Tag struct {
	Kind Kind
	Data []byte
}

func (t *Tag) Size() int {
	return HeaderSize + len(t.Data)
}

func (t *Tag) String() string {
	return fmt.Sprintf("%s[%d]", t.Kind, len(t.Data))
}

// AppendEncode appends the wire form of t to dst.
func AppendEncode(dst []byte, t *Tag) ([]byte, error) {
	if len(t.Data) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrMalformedTag, len(t.Data))
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(t.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(t.Data)))
	return append(dst, t.Data...), nil
}

func Encode(t *Tag) ([]byte, error) {
	return AppendEncode(make([]byte, 0, t.Size()), t)
}

// Decode parses one tag from the front of b and returns it with the number of
// bytes consumed. ErrShortBuffer means b holds only part of a tag.
func Decode(b []byte) (*Tag, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, ErrShortBuffer
	}
	kind := Kind(binary.LittleEndian.Uint32(b[0:4]))
	size := binary.LittleEndian.Uint32(b[4:8])
	if size > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: declared size %d exceeds limit", ErrMalformedTag, size)
	}
	end := HeaderSize + int(size)
	if len(b) < end {
		return nil, 0, ErrShortBuffer
	}
	data := make([]byte, size)
	copy(data, b[HeaderSize:end])
	return &Tag{Kind: kind, Data: data}, end, nil
}

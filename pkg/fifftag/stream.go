package fifftag

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Reader decodes tags from a byte stream.
type Reader struct {
	r   *bufio.Reader
	hdr [HeaderSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadTag returns io.EOF only on a clean tag boundary; a stream cut inside a
// tag yields io.ErrUnexpectedEOF.
func (r *Reader) ReadTag() (*Tag, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}
	kind := Kind(binary.LittleEndian.Uint32(r.hdr[0:4]))
	size := binary.LittleEndian.Uint32(r.hdr[4:8])
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared size %d exceeds limit", ErrMalformedTag, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Tag{Kind: kind, Data: data}, nil
}

// Writer encodes tags onto a byte stream. Each tag goes out in a single Write.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteTag(t *Tag) error {
	var err error
	w.buf, err = AppendEncode(w.buf[:0], t)
	if err != nil {
		return err
	}
	_, err = w.w.Write(w.buf)
	return err
}

package shmem

import (
	"encoding/binary"
	"fmt"
)

// segment is the vendor's shared memory area: numBlocks blocks, each a table
// of maxClients {client_id int32, done int32} records followed by maxData
// bytes of tag data.
type segment struct {
	mem        []byte
	maxClients int
	maxData    int
	detach     func() error
}

func (s *segment) blockSize() int {
	return 8*s.maxClients + s.maxData
}

// read copies size bytes of block buf and marks the block done for clientID.
func (s *segment) read(buf, size int, clientID int32) ([]byte, error) {
	if size > s.maxData {
		return nil, fmt.Errorf("shared block data of %d bytes exceeds %d", size, s.maxData)
	}
	start := buf * s.blockSize()
	if buf < 0 || start+s.blockSize() > len(s.mem) {
		return nil, fmt.Errorf("shared block %d outside segment", buf)
	}
	block := s.mem[start : start+s.blockSize()]

	dataStart := 8 * s.maxClients
	out := make([]byte, size)
	copy(out, block[dataStart:dataStart+size])

	for k := 0; k < s.maxClients; k++ {
		rec := block[8*k : 8*k+8]
		if int32(binary.LittleEndian.Uint32(rec[0:4])) == clientID {
			binary.LittleEndian.PutUint32(rec[4:8], 1)
		}
	}
	return out, nil
}

func (s *segment) close() error {
	if s == nil || s.detach == nil {
		return nil
	}
	return s.detach()
}

//go:build linux

package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func attachSegment(key, maxClients, maxData, numBlocks int) (*segment, error) {
	size := numBlocks * (8*maxClients + maxData)
	id, err := unix.SysvShmGet(key, size, 0)
	if err != nil {
		return nil, fmt.Errorf("shmget key %d: %w", key, err)
	}
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat id %d: %w", id, err)
	}
	return &segment{
		mem:        mem,
		maxClients: maxClients,
		maxData:    maxData,
		detach:     func() error { return unix.SysvShmDetach(mem) },
	}, nil
}

//go:build !linux

package shmem

import "errors"

func attachSegment(key, maxClients, maxData, numBlocks int) (*segment, error) {
	return nil, errors.New("shared memory acquisition requires linux")
}

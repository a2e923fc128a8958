// Package mem implements a backend.BlockDevice held entirely in memory,
// mainly for tests and scratch images.
package mem

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/diskfs/go-easyfs/backend"
)

type memDevice struct {
	id  string
	buf []byte
}

// New returns a zero-filled in-memory device of the given number of blocks.
func New(blocks uint64) backend.BlockDevice {
	return &memDevice{
		id:  uuid.New().String(),
		buf: make([]byte, blocks*backend.BlockSize),
	}
}

// backend.BlockDevice interface guard
var _ backend.BlockDevice = (*memDevice)(nil)

func (d *memDevice) ReadBlock(block uint64, b []byte) error {
	start := block * backend.BlockSize
	if start+backend.BlockSize > uint64(len(d.buf)) {
		return fmt.Errorf("read of block %d on a %d-block device: %w", block, uint64(len(d.buf))/backend.BlockSize, backend.ErrOutOfRange)
	}
	copy(b[:backend.BlockSize], d.buf[start:start+backend.BlockSize])
	return nil
}

func (d *memDevice) WriteBlock(block uint64, b []byte) error {
	start := block * backend.BlockSize
	if start+backend.BlockSize > uint64(len(d.buf)) {
		return fmt.Errorf("write of block %d on a %d-block device: %w", block, uint64(len(d.buf))/backend.BlockSize, backend.ErrOutOfRange)
	}
	copy(d.buf[start:start+backend.BlockSize], b[:backend.BlockSize])
	return nil
}

func (d *memDevice) ID() string {
	return d.id
}

func (d *memDevice) Close() error {
	return nil
}

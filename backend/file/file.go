// Package file implements a backend.BlockDevice on top of a host file or
// image. Each block lives at offset block*BlockSize in the file.
package file

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/diskfs/go-easyfs/backend"
)

type fileDevice struct {
	f      *os.File
	id     string
	blocks uint64
}

// New wraps an already-open file as a block device. The file size must be a
// multiple of backend.BlockSize.
func New(f *os.File) (backend.BlockDevice, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat backing file: %w", err)
	}
	if fi.Size()%backend.BlockSize != 0 {
		return nil, fmt.Errorf("backing file size %d is not a multiple of the block size", fi.Size())
	}
	return &fileDevice{
		f:      f,
		id:     uuid.New().String(),
		blocks: uint64(fi.Size()) / backend.BlockSize,
	}, nil
}

// OpenFromPath opens an existing image file as a block device.
func OpenFromPath(pathName string) (backend.BlockDevice, error) {
	if pathName == "" {
		return nil, errors.New("must pass device or file name")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %w", pathName, err)
	}
	dev, err := New(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return dev, nil
}

// CreateFromPath creates (or truncates) an image file of the given number of
// blocks and opens it as a block device.
func CreateFromPath(pathName string, blocks uint64) (backend.BlockDevice, error) {
	if pathName == "" {
		return nil, errors.New("must pass device name")
	}
	if blocks == 0 {
		return nil, errors.New("must pass a valid device size to create")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not create device %s: %w", pathName, err)
	}
	if err := f.Truncate(int64(blocks) * backend.BlockSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not expand device %s to %d blocks: %w", pathName, blocks, err)
	}
	return &fileDevice{
		f:      f,
		id:     uuid.New().String(),
		blocks: blocks,
	}, nil
}

// backend.BlockDevice interface guard
var _ backend.BlockDevice = (*fileDevice)(nil)

func (d *fileDevice) ReadBlock(block uint64, b []byte) error {
	if block >= d.blocks {
		return fmt.Errorf("read of block %d on a %d-block device: %w", block, d.blocks, backend.ErrOutOfRange)
	}
	n, err := d.f.ReadAt(b[:backend.BlockSize], int64(block)*backend.BlockSize)
	if err != nil {
		return fmt.Errorf("error reading block %d: %w", block, err)
	}
	if n != backend.BlockSize {
		return fmt.Errorf("read %d bytes of block %d: %w", n, block, backend.ErrIncompleteBlock)
	}
	return nil
}

func (d *fileDevice) WriteBlock(block uint64, b []byte) error {
	if block >= d.blocks {
		return fmt.Errorf("write of block %d on a %d-block device: %w", block, d.blocks, backend.ErrOutOfRange)
	}
	n, err := d.f.WriteAt(b[:backend.BlockSize], int64(block)*backend.BlockSize)
	if err != nil {
		return fmt.Errorf("error writing block %d: %w", block, err)
	}
	if n != backend.BlockSize {
		return fmt.Errorf("wrote %d bytes of block %d: %w", n, block, backend.ErrIncompleteBlock)
	}
	return nil
}

func (d *fileDevice) ID() string {
	return d.id
}

func (d *fileDevice) Close() error {
	return d.f.Close()
}

// Package backend provides the block-device contract the filesystem layer is
// built on. A device is a sink/source for fixed-size block transfers; it makes
// no ordering or durability promises beyond completing each transfer in full.
package backend

import "errors"

// BlockSize is the fixed transfer unit of every device, in bytes.
const BlockSize = 512

var (
	// ErrIncompleteBlock is returned when a device cannot transfer a full block.
	ErrIncompleteBlock = errors.New("incomplete block transfer")
	// ErrOutOfRange is returned for a block number past the end of the device.
	ErrOutOfRange = errors.New("block number out of range")
)

// BlockDevice reads and writes one 512-byte block at a time, synchronously.
// Both calls either transfer exactly BlockSize bytes or fail.
type BlockDevice interface {
	// ReadBlock fills b, which must be at least BlockSize long, from the block
	// at the given number.
	ReadBlock(block uint64, b []byte) error
	// WriteBlock persists the first BlockSize bytes of b to the block at the
	// given number.
	WriteBlock(block uint64, b []byte) error
	// ID is a process-unique identity for this open device. Cache layers key
	// on it so that two devices never alias a block number.
	ID() string
	Close() error
}

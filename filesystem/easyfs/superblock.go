package easyfs

import (
	"encoding/binary"
	"fmt"
)

// superblockSize is the number of meaningful bytes at the start of block 0;
// the rest of the block is zero.
const superblockSize = 24

// superblock describes how the blocks after block 0 partition into the inode
// bitmap, inode area, data bitmap and data area.
type superblock struct {
	totalBlocks       uint32
	inodeBitmapBlocks uint32
	inodeAreaBlocks   uint32
	dataBitmapBlocks  uint32
	dataAreaBlocks    uint32
}

// superblockFromBytes reads a superblock from the first superblockSize bytes
// of block 0, validating the magic number.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("cannot read superblock from %d bytes, need %d", len(b), superblockSize)
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != Magic {
		return nil, fmt.Errorf("superblock magic %#08x: %w", m, ErrBadMagic)
	}
	return &superblock{
		totalBlocks:       binary.LittleEndian.Uint32(b[4:8]),
		inodeBitmapBlocks: binary.LittleEndian.Uint32(b[8:12]),
		inodeAreaBlocks:   binary.LittleEndian.Uint32(b[12:16]),
		dataBitmapBlocks:  binary.LittleEndian.Uint32(b[16:20]),
		dataAreaBlocks:    binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// toBytes returns the superblock ready to be written to the start of block 0.
func (sb *superblock) toBytes() []byte {
	b := make([]byte, superblockSize)
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.totalBlocks)
	binary.LittleEndian.PutUint32(b[8:12], sb.inodeBitmapBlocks)
	binary.LittleEndian.PutUint32(b[12:16], sb.inodeAreaBlocks)
	binary.LittleEndian.PutUint32(b[16:20], sb.dataBitmapBlocks)
	binary.LittleEndian.PutUint32(b[20:24], sb.dataAreaBlocks)
	return b
}

func (sb *superblock) equal(a *superblock) bool {
	if sb == nil || a == nil {
		return sb == a
	}
	return *sb == *a
}

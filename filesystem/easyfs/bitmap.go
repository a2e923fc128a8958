package easyfs

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/diskfs/go-easyfs/backend"
)

// bitmap manages the allocation bits of one contiguous region of the image.
// Each block of the region packs 64 little-endian 64-bit groups, 4096 bits in
// all; bit i of group g in local block b is index b*4096 + g*64 + i. The
// bitmap itself stays on disk and is accessed through the cache.
type bitmap struct {
	startBlock uint32
	blocks     uint32
}

func newBitmap(startBlock, blocks uint32) *bitmap {
	return &bitmap{
		startBlock: startBlock,
		blocks:     blocks,
	}
}

// alloc sets the lowest clear bit of the region and returns its index, or
// ErrNoSpace when every bit is set. Allocation is deterministic: the first
// alloc on a fresh region always returns 0.
func (bm *bitmap) alloc(m *cacheManager, device backend.BlockDevice) (uint32, error) {
	for local := uint32(0); local < bm.blocks; local++ {
		c, err := m.get(uint64(bm.startBlock+local), device)
		if err != nil {
			return 0, err
		}
		found := -1
		c.modify(0, BlockSize, func(b []byte) {
			for group := 0; group < BlockSize/8; group++ {
				v := binary.LittleEndian.Uint64(b[group*8:])
				if v == ^uint64(0) {
					continue
				}
				inner := bits.TrailingZeros64(^v)
				binary.LittleEndian.PutUint64(b[group*8:], v|1<<uint(inner))
				found = group*64 + inner
				break
			}
		})
		m.release(c)
		if found >= 0 {
			return local*blockBits + uint32(found), nil
		}
	}
	return 0, ErrNoSpace
}

// dealloc clears the bit at the given index. The bit must currently be set.
func (bm *bitmap) dealloc(m *cacheManager, device backend.BlockDevice, bit uint32) error {
	local := bit / blockBits
	group := (bit % blockBits) / 64
	inner := bit % 64
	if local >= bm.blocks {
		panic(fmt.Sprintf("dealloc of bit %d beyond a %d-bit bitmap", bit, bm.maximum()))
	}
	c, err := m.get(uint64(bm.startBlock+local), device)
	if err != nil {
		return err
	}
	c.modify(0, BlockSize, func(b []byte) {
		v := binary.LittleEndian.Uint64(b[group*8:])
		if v&(1<<inner) == 0 {
			panic(fmt.Sprintf("dealloc of clear bit %d", bit))
		}
		binary.LittleEndian.PutUint64(b[group*8:], v&^(1<<inner))
	})
	m.release(c)
	return nil
}

// maximum is the number of bits the region can address.
func (bm *bitmap) maximum() uint32 {
	return bm.blocks * blockBits
}

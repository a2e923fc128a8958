package easyfs

import (
	"encoding/binary"
	"fmt"
)

// InodeType is the kind of object an inode describes.
type InodeType uint32

const (
	// TypeFile is a regular file
	TypeFile InodeType = iota
	// TypeDirectory is a directory
	TypeDirectory
)

func (t InodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// diskInode is the 128-byte persistent record for one file or directory,
// packed little-endian as size, direct[28], indirect1, indirect2, kind.
// Four of them share each inode-area block.
//
// size is the logical content length in bytes; for directories it is always
// entryCount*direntSize. Capacity and size coincide: grow raises size to the
// grow target, so the blocks reachable from the index are exactly
// totalBlocks(size).
type diskInode struct {
	size      uint32
	direct    [inodeDirectCount]uint32
	indirect1 uint32
	indirect2 uint32
	kind      InodeType
}

func diskInodeFromBytes(b []byte) *diskInode {
	if len(b) < diskInodeSize {
		panic(fmt.Sprintf("cannot read disk inode from %d bytes, need %d", len(b), diskInodeSize))
	}
	di := &diskInode{
		size: binary.LittleEndian.Uint32(b[0:4]),
	}
	for i := 0; i < inodeDirectCount; i++ {
		di.direct[i] = binary.LittleEndian.Uint32(b[4+i*4:])
	}
	di.indirect1 = binary.LittleEndian.Uint32(b[116:120])
	di.indirect2 = binary.LittleEndian.Uint32(b[120:124])
	di.kind = InodeType(binary.LittleEndian.Uint32(b[124:128]))
	return di
}

func (di *diskInode) toBytes() []byte {
	b := make([]byte, diskInodeSize)
	binary.LittleEndian.PutUint32(b[0:4], di.size)
	for i := 0; i < inodeDirectCount; i++ {
		binary.LittleEndian.PutUint32(b[4+i*4:], di.direct[i])
	}
	binary.LittleEndian.PutUint32(b[116:120], di.indirect1)
	binary.LittleEndian.PutUint32(b[120:124], di.indirect2)
	binary.LittleEndian.PutUint32(b[124:128], uint32(di.kind))
	return b
}

func (di *diskInode) isDir() bool {
	return di.kind == TypeDirectory
}

func (di *diskInode) isFile() bool {
	return di.kind == TypeFile
}

// blocksForData is the number of content blocks needed for size bytes.
func blocksForData(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// totalBlocks is the number of content plus index blocks needed for size
// bytes: one extra block once the single-indirect region is entered, and for
// the double-indirect region the root table plus one sub-table per 128
// content blocks, rounding up.
func totalBlocks(size uint32) uint32 {
	d := blocksForData(size)
	total := d
	if d > inodeDirectCount {
		total++
	}
	if d > indirect1Bound {
		total += 1 + (d-indirect1Bound+indirect1Count-1)/indirect1Count
	}
	return total
}

// blocksNeeded is how many additional blocks growing to newSize consumes.
// newSize must not be smaller than the current size.
func (di *diskInode) blocksNeeded(newSize uint32) uint32 {
	if newSize < di.size {
		panic(fmt.Sprintf("blocksNeeded: shrink from %d to %d", di.size, newSize))
	}
	return totalBlocks(newSize) - totalBlocks(di.size)
}

// blockID resolves the inner-th content block to its physical block number,
// walking the indirect tables through the cache as needed.
func (di *diskInode) blockID(inner uint32, fs *FileSystem) (uint32, error) {
	switch {
	case inner < inodeDirectCount:
		return di.direct[inner], nil
	case inner < indirect1Bound:
		c, err := fs.cache.get(uint64(di.indirect1), fs.device)
		if err != nil {
			return 0, err
		}
		var id uint32
		c.read(0, BlockSize, func(b []byte) {
			id = binary.LittleEndian.Uint32(b[(inner-inodeDirectCount)*4:])
		})
		fs.cache.release(c)
		return id, nil
	default:
		last := inner - indirect1Bound
		c, err := fs.cache.get(uint64(di.indirect2), fs.device)
		if err != nil {
			return 0, err
		}
		var sub uint32
		c.read(0, BlockSize, func(b []byte) {
			sub = binary.LittleEndian.Uint32(b[(last/indirect1Count)*4:])
		})
		fs.cache.release(c)
		c, err = fs.cache.get(uint64(sub), fs.device)
		if err != nil {
			return 0, err
		}
		var id uint32
		c.read(0, BlockSize, func(b []byte) {
			id = binary.LittleEndian.Uint32(b[(last%indirect1Count)*4:])
		})
		fs.cache.release(c)
		return id, nil
	}
}

// grow extends the index to cover newSize bytes, consuming newBlocks in
// order: content slots first within each region, with the indirect1 root, the
// indirect2 root and each fresh sub-table taken from the list the first time
// the corresponding region or column is entered. len(newBlocks) must equal
// blocksNeeded(newSize). On return size equals newSize.
func (di *diskInode) grow(newSize uint32, newBlocks []uint32, fs *FileSystem) error {
	next := 0
	take := func() uint32 {
		if next >= len(newBlocks) {
			panic("grow consumed more blocks than were allocated")
		}
		v := newBlocks[next]
		next++
		return v
	}

	current := blocksForData(di.size)
	di.size = newSize
	target := blocksForData(newSize)

	// direct tail
	for current < min(target, inodeDirectCount) {
		di.direct[current] = take()
		current++
	}

	// single-indirect region
	if target <= inodeDirectCount {
		return nil
	}
	if current == inodeDirectCount {
		di.indirect1 = take()
	}
	current -= inodeDirectCount
	target -= inodeDirectCount

	c, err := fs.cache.get(uint64(di.indirect1), fs.device)
	if err != nil {
		return err
	}
	c.modify(0, BlockSize, func(b []byte) {
		for current < min(target, indirect1Count) {
			binary.LittleEndian.PutUint32(b[current*4:], take())
			current++
		}
	})
	fs.cache.release(c)

	// double-indirect region
	if target <= indirect1Count {
		return nil
	}
	if current == indirect1Count {
		di.indirect2 = take()
	}
	current -= indirect1Count
	target -= indirect1Count

	a0, b0 := current/indirect1Count, current%indirect1Count
	a1, b1 := target/indirect1Count, target%indirect1Count

	c, err = fs.cache.get(uint64(di.indirect2), fs.device)
	if err != nil {
		return err
	}
	var gerr error
	c.modify(0, BlockSize, func(root []byte) {
		for a0 < a1 || (a0 == a1 && b0 < b1) {
			if b0 == 0 {
				binary.LittleEndian.PutUint32(root[a0*4:], take())
			}
			sub := binary.LittleEndian.Uint32(root[a0*4:])
			sc, err := fs.cache.get(uint64(sub), fs.device)
			if err != nil {
				gerr = err
				return
			}
			sc.modify(0, BlockSize, func(tbl []byte) {
				binary.LittleEndian.PutUint32(tbl[b0*4:], take())
			})
			fs.cache.release(sc)
			b0++
			if b0 == indirect1Count {
				b0 = 0
				a0++
			}
		}
	})
	fs.cache.release(c)
	return gerr
}

// clear resets the inode to an empty file of its current kind and returns
// every block the index referenced, content and index blocks alike, in an
// order safe to hand to the data allocator. The count always equals
// totalBlocks of the prior size.
func (di *diskInode) clear(fs *FileSystem) ([]uint32, error) {
	var v []uint32
	dataBlocks := blocksForData(di.size)
	di.size = 0

	// direct tail
	current := uint32(0)
	for current < min(dataBlocks, inodeDirectCount) {
		v = append(v, di.direct[current])
		di.direct[current] = 0
		current++
	}

	// single-indirect region
	if dataBlocks <= inodeDirectCount {
		return v, nil
	}
	v = append(v, di.indirect1)
	dataBlocks -= inodeDirectCount

	c, err := fs.cache.get(uint64(di.indirect1), fs.device)
	if err != nil {
		return nil, err
	}
	c.read(0, BlockSize, func(b []byte) {
		for i := uint32(0); i < min(dataBlocks, indirect1Count); i++ {
			v = append(v, binary.LittleEndian.Uint32(b[i*4:]))
		}
	})
	fs.cache.release(c)
	di.indirect1 = 0

	// double-indirect region
	if dataBlocks <= indirect1Count {
		return v, nil
	}
	v = append(v, di.indirect2)
	dataBlocks -= indirect1Count
	if dataBlocks > indirect2Count {
		panic(fmt.Sprintf("clear of inode with %d double-indirect blocks, limit %d", dataBlocks, indirect2Count))
	}

	a1, b1 := dataBlocks/indirect1Count, dataBlocks%indirect1Count
	c, err = fs.cache.get(uint64(di.indirect2), fs.device)
	if err != nil {
		return nil, err
	}
	var cerr error
	c.read(0, BlockSize, func(root []byte) {
		collect := func(column, used uint32) {
			sub := binary.LittleEndian.Uint32(root[column*4:])
			v = append(v, sub)
			sc, err := fs.cache.get(uint64(sub), fs.device)
			if err != nil {
				cerr = err
				return
			}
			sc.read(0, BlockSize, func(tbl []byte) {
				for j := uint32(0); j < used; j++ {
					v = append(v, binary.LittleEndian.Uint32(tbl[j*4:]))
				}
			})
			fs.cache.release(sc)
		}
		for i := uint32(0); i < a1; i++ {
			collect(i, indirect1Count)
			if cerr != nil {
				return
			}
		}
		if b1 > 0 {
			collect(a1, b1)
		}
	})
	fs.cache.release(c)
	di.indirect2 = 0
	if cerr != nil {
		return nil, cerr
	}
	return v, nil
}

// readAt copies content bytes [offset, offset+len(buf)) into buf, clamped to
// the logical size. It returns the number of bytes read, 0 once offset is at
// or past the end.
func (di *diskInode) readAt(offset uint32, buf []byte, fs *FileSystem) (int, error) {
	start := offset
	end := min(offset+uint32(len(buf)), di.size)
	if start >= end {
		return 0, nil
	}
	innerBlock := start / BlockSize
	read := 0
	for {
		blockEnd := min((start/BlockSize+1)*BlockSize, end)
		n := int(blockEnd - start)
		id, err := di.blockID(innerBlock, fs)
		if err != nil {
			return read, err
		}
		c, err := fs.cache.get(uint64(id), fs.device)
		if err != nil {
			return read, err
		}
		c.read(int(start%BlockSize), n, func(b []byte) {
			copy(buf[read:read+n], b)
		})
		fs.cache.release(c)
		read += n
		if blockEnd == end {
			break
		}
		innerBlock++
		start = blockEnd
	}
	return read, nil
}

// writeAt copies buf into content bytes starting at offset, clamped to the
// capacity the index already covers; the caller grows first when the region
// extends past the current size. Returns the number of bytes written.
func (di *diskInode) writeAt(offset uint32, buf []byte, fs *FileSystem) (int, error) {
	start := offset
	end := min(offset+uint32(len(buf)), di.size)
	if start >= end {
		return 0, nil
	}
	innerBlock := start / BlockSize
	written := 0
	for {
		blockEnd := min((start/BlockSize+1)*BlockSize, end)
		n := int(blockEnd - start)
		id, err := di.blockID(innerBlock, fs)
		if err != nil {
			return written, err
		}
		c, err := fs.cache.get(uint64(id), fs.device)
		if err != nil {
			return written, err
		}
		c.modify(int(start%BlockSize), n, func(b []byte) {
			copy(b, buf[written:written+n])
		})
		fs.cache.release(c)
		written += n
		if blockEnd == end {
			break
		}
		innerBlock++
		start = blockEnd
	}
	return written, nil
}

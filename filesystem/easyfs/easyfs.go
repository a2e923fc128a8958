// Package easyfs implements a compact filesystem for fixed-capacity images of
// 512-byte blocks, hosted on any github.com/diskfs/go-easyfs/backend device.
//
// The image is partitioned into five contiguous regions: a super block, an
// inode bitmap, an inode area holding 128-byte inodes four to a block, a data
// bitmap and the data area. Files map logical offsets to data blocks through
// 28 direct slots, one single-indirect table and one double-indirect table;
// directories are dense arrays of 32-byte entries. All block access funnels
// through a bounded write-back cache, and a single coarse lock on the
// FileSystem serializes every user-visible operation.
package easyfs

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/diskfs/go-easyfs/backend"
)

const (
	// BlockSize is the fixed block size of the on-disk format, in bytes.
	BlockSize = backend.BlockSize
	// Magic identifies a formatted image in the super block.
	Magic uint32 = 0x3b800001
	// MaxNameLength is the longest directory-entry name, in bytes; the last
	// byte of the 28-byte name field is reserved for the terminating NUL.
	MaxNameLength = 27

	blockBits        = BlockSize * 8
	blockCacheSize   = 16
	inodeDirectCount = 28
	indirect1Count   = BlockSize / 4
	indirect2Count   = indirect1Count * indirect1Count
	indirect1Bound   = inodeDirectCount + indirect1Count
	direntSize       = 32
	diskInodeSize    = 128
	inodesPerBlock   = BlockSize / diskInodeSize
)

var (
	// ErrBadMagic means the super block of the image is not this filesystem's.
	ErrBadMagic = errors.New("bad filesystem magic")
	// ErrNotFound means no directory entry matched the name.
	ErrNotFound = errors.New("no such file or directory")
	// ErrExists means a directory entry with the name already exists.
	ErrExists = errors.New("file or directory already exists")
	// ErrNotDirectory means a directory operation was applied to a file.
	ErrNotDirectory = errors.New("not a directory")
	// ErrNotFile means a file operation was applied to a directory.
	ErrNotFile = errors.New("not a file")
	// ErrNotEmpty means an unlink target directory still has entries.
	ErrNotEmpty = errors.New("directory not empty")
	// ErrNoSpace means the image has no free inode or data block left.
	ErrNoSpace = errors.New("no space left on image")
	// ErrNameTooLong means a name exceeds MaxNameLength bytes.
	ErrNameTooLong = errors.New("name too long")
)

// FileSystem is a mounted image: the region descriptors, both allocators and
// the block cache. The mutex serializes every operation issued through Inode
// handles; the internal helpers below assume it is already held.
type FileSystem struct {
	mu             sync.Mutex
	device         backend.BlockDevice
	cache          *cacheManager
	inodeBitmap    *bitmap
	dataBitmap     *bitmap
	inodeAreaStart uint32
	dataAreaStart  uint32
	sb             superblock
}

// Create formats the device as a fresh image of totalBlocks blocks, sizing
// the regions from inodeBitmapBlocks, and returns the mounted filesystem with
// an empty root directory at inode 0.
//
// The inode area is sized so every bitmap bit has an inode slot. Of the
// blocks left over, the data bitmap takes ceil(remaining/4097): one bitmap
// block addresses 4096 data blocks, so that is the least number of bitmap
// blocks still covering the rest.
func Create(device backend.BlockDevice, totalBlocks, inodeBitmapBlocks uint32) (*FileSystem, error) {
	if inodeBitmapBlocks == 0 {
		return nil, errors.New("need at least one inode bitmap block")
	}
	inodeBitmap := newBitmap(1, inodeBitmapBlocks)
	inodeAreaBlocks := (inodeBitmap.maximum()*diskInodeSize + BlockSize - 1) / BlockSize
	used := 1 + inodeBitmapBlocks + inodeAreaBlocks
	if totalBlocks <= used+1 {
		return nil, fmt.Errorf("%d blocks cannot hold %d metadata blocks plus data", totalBlocks, used)
	}
	remaining := totalBlocks - used
	dataBitmapBlocks := (remaining + blockBits) / (blockBits + 1)
	dataAreaBlocks := remaining - dataBitmapBlocks

	fs := &FileSystem{
		device:         device,
		cache:          newCacheManager(blockCacheSize),
		inodeBitmap:    inodeBitmap,
		dataBitmap:     newBitmap(used, dataBitmapBlocks),
		inodeAreaStart: 1 + inodeBitmapBlocks,
		dataAreaStart:  used + dataBitmapBlocks,
		sb: superblock{
			totalBlocks:       totalBlocks,
			inodeBitmapBlocks: inodeBitmapBlocks,
			inodeAreaBlocks:   inodeAreaBlocks,
			dataBitmapBlocks:  dataBitmapBlocks,
			dataAreaBlocks:    dataAreaBlocks,
		},
	}

	// wipe every block, then lay down the super block
	for i := uint32(0); i < totalBlocks; i++ {
		c, err := fs.cache.get(uint64(i), device)
		if err != nil {
			return nil, err
		}
		c.modify(0, BlockSize, func(b []byte) {
			for j := range b {
				b[j] = 0
			}
		})
		fs.cache.release(c)
	}
	c, err := fs.cache.get(0, device)
	if err != nil {
		return nil, err
	}
	c.modify(0, superblockSize, func(b []byte) {
		copy(b, fs.sb.toBytes())
	})
	fs.cache.release(c)

	// the first allocation on a fresh image is the root directory, inode 0
	rootID, err := fs.allocInode()
	if err != nil {
		return nil, err
	}
	if rootID != 0 {
		panic(fmt.Sprintf("root inode allocated as %d on a fresh image", rootID))
	}
	rootBlock, rootOffset := fs.diskInodePos(0)
	c, err = fs.cache.get(uint64(rootBlock), device)
	if err != nil {
		return nil, err
	}
	c.modify(rootOffset, diskInodeSize, func(b []byte) {
		copy(b, (&diskInode{kind: TypeDirectory}).toBytes())
	})
	fs.cache.release(c)

	if err := fs.SyncAll(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"totalBlocks":     totalBlocks,
		"inodeAreaBlocks": inodeAreaBlocks,
		"dataAreaBlocks":  dataAreaBlocks,
	}).Debug("formatted easyfs image")
	return fs, nil
}

// Open mounts an existing image, validating the super block magic and
// reconstructing the region descriptors from the stored counts.
func Open(device backend.BlockDevice) (*FileSystem, error) {
	fs := &FileSystem{
		device: device,
		cache:  newCacheManager(blockCacheSize),
	}
	c, err := fs.cache.get(0, device)
	if err != nil {
		return nil, err
	}
	var sb *superblock
	var sbErr error
	c.read(0, superblockSize, func(b []byte) {
		sb, sbErr = superblockFromBytes(b)
	})
	fs.cache.release(c)
	if sbErr != nil {
		return nil, fmt.Errorf("error loading filesystem: %w", sbErr)
	}
	fs.sb = *sb
	fs.inodeBitmap = newBitmap(1, sb.inodeBitmapBlocks)
	fs.inodeAreaStart = 1 + sb.inodeBitmapBlocks
	fs.dataBitmap = newBitmap(fs.inodeAreaStart+sb.inodeAreaBlocks, sb.dataBitmapBlocks)
	fs.dataAreaStart = fs.inodeAreaStart + sb.inodeAreaBlocks + sb.dataBitmapBlocks
	log.WithField("totalBlocks", sb.totalBlocks).Debug("opened easyfs image")
	return fs, nil
}

// Root returns a handle bound to the root directory, inode 0. The filesystem
// lock is taken only long enough to resolve the on-disk position, so Root
// must not be called from code already holding it.
func (fs *FileSystem) Root() *Inode {
	fs.mu.Lock()
	blockID, offset := fs.diskInodePos(0)
	fs.mu.Unlock()
	return newInode(0, blockID, offset, fs)
}

// SyncAll flushes every dirty cache entry to the device. It is the sole
// durability primitive: the image is coherent on disk only after it runs.
func (fs *FileSystem) SyncAll() error {
	return fs.cache.syncAll()
}

// TotalBlocks reports the image capacity recorded in the super block.
func (fs *FileSystem) TotalBlocks() uint32 {
	return fs.sb.totalBlocks
}

// DataAreaBlocks reports how many blocks the data area holds.
func (fs *FileSystem) DataAreaBlocks() uint32 {
	return fs.sb.dataAreaBlocks
}

// diskInodePos locates an inode in the inode area as (block, byte offset).
func (fs *FileSystem) diskInodePos(inodeID uint32) (uint32, int) {
	return fs.inodeAreaStart + inodeID/inodesPerBlock, int(inodeID%inodesPerBlock) * diskInodeSize
}

// allocInode takes the lowest free inode number.
func (fs *FileSystem) allocInode() (uint32, error) {
	return fs.inodeBitmap.alloc(fs.cache, fs.device)
}

// deallocInode releases an inode number and zeroes its 128-byte slot; the
// three other inodes sharing the block are untouched.
func (fs *FileSystem) deallocInode(inodeID uint32) error {
	if err := fs.inodeBitmap.dealloc(fs.cache, fs.device, inodeID); err != nil {
		return err
	}
	blockID, offset := fs.diskInodePos(inodeID)
	c, err := fs.cache.get(uint64(blockID), fs.device)
	if err != nil {
		return err
	}
	c.modify(offset, diskInodeSize, func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	})
	fs.cache.release(c)
	return nil
}

// allocData takes the lowest free data-area block and returns its absolute
// block number, or ErrNoSpace when every data-area block is taken.
func (fs *FileSystem) allocData() (uint32, error) {
	bit, err := fs.dataBitmap.alloc(fs.cache, fs.device)
	if err != nil {
		return 0, err
	}
	// the bitmap addresses whole blocks of bits, more than the area may hold
	if bit >= fs.sb.dataAreaBlocks {
		if err := fs.dataBitmap.dealloc(fs.cache, fs.device, bit); err != nil {
			return 0, err
		}
		return 0, ErrNoSpace
	}
	return bit + fs.dataAreaStart, nil
}

// deallocData zeroes a data-area block and releases its bitmap bit. The
// argument is the absolute block number as returned by allocData.
func (fs *FileSystem) deallocData(blockID uint32) error {
	if blockID < fs.dataAreaStart {
		panic(fmt.Sprintf("dealloc of block %d before the data area at %d", blockID, fs.dataAreaStart))
	}
	c, err := fs.cache.get(uint64(blockID), fs.device)
	if err != nil {
		return err
	}
	c.modify(0, BlockSize, func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	})
	fs.cache.release(c)
	return fs.dataBitmap.dealloc(fs.cache, fs.device, blockID-fs.dataAreaStart)
}

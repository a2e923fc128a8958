package easyfs

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Inode is the in-memory handle for one file or directory. It carries the
// location of the disk inode rather than its content, so every operation
// reads the current on-disk state under the filesystem lock and holds that
// lock for its full duration.
type Inode struct {
	id      uint32
	blockID uint32
	offset  int
	fs      *FileSystem
}

func newInode(id, blockID uint32, offset int, fs *FileSystem) *Inode {
	return &Inode{
		id:      id,
		blockID: blockID,
		offset:  offset,
		fs:      fs,
	}
}

// InodeID is the inode number this handle is bound to.
func (in *Inode) InodeID() uint32 {
	return in.id
}

// readDiskInode loads the 128-byte record behind the handle. Lock held.
func (in *Inode) readDiskInode() (*diskInode, error) {
	c, err := in.fs.cache.get(uint64(in.blockID), in.fs.device)
	if err != nil {
		return nil, err
	}
	var di *diskInode
	c.read(in.offset, diskInodeSize, func(b []byte) {
		di = diskInodeFromBytes(b)
	})
	in.fs.cache.release(c)
	return di, nil
}

// writeDiskInode stores the record back in place. Lock held.
func (in *Inode) writeDiskInode(di *diskInode) error {
	c, err := in.fs.cache.get(uint64(in.blockID), in.fs.device)
	if err != nil {
		return err
	}
	c.modify(in.offset, diskInodeSize, func(b []byte) {
		copy(b, di.toBytes())
	})
	in.fs.cache.release(c)
	return nil
}

// Kind reports whether the inode is a file or a directory.
func (in *Inode) Kind() (InodeType, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return 0, err
	}
	return di.kind, nil
}

// IsDir reports whether the inode is a directory.
func (in *Inode) IsDir() (bool, error) {
	kind, err := in.Kind()
	return kind == TypeDirectory, err
}

// IsFile reports whether the inode is a regular file.
func (in *Inode) IsFile() (bool, error) {
	kind, err := in.Kind()
	return kind == TypeFile, err
}

// Size is the logical content length in bytes. For directories that is the
// entry count times the entry size.
func (in *Inode) Size() (uint32, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return 0, err
	}
	return di.size, nil
}

// entryAt reads the i-th directory entry. Lock held, di must be a directory.
func (in *Inode) entryAt(di *diskInode, i uint32) (*dirEntry, error) {
	buf := make([]byte, direntSize)
	n, err := di.readAt(i*direntSize, buf, in.fs)
	if err != nil {
		return nil, err
	}
	if n != direntSize {
		panic(fmt.Sprintf("directory entry %d: short read of %d bytes", i, n))
	}
	return dirEntryFromBytes(buf), nil
}

// findEntry scans the entries for name. Lock held. Returns the slot index and
// the entry, or ErrNotFound.
func (in *Inode) findEntry(di *diskInode, name string) (uint32, *dirEntry, error) {
	if !di.isDir() {
		return 0, nil, ErrNotDirectory
	}
	count := di.size / direntSize
	for i := uint32(0); i < count; i++ {
		de, err := in.entryAt(di, i)
		if err != nil {
			return 0, nil, err
		}
		if de.name == name {
			return i, de, nil
		}
	}
	return 0, nil, ErrNotFound
}

// inodeFor builds a handle for an inode number. Lock held.
func (in *Inode) inodeFor(inodeID uint32) *Inode {
	blockID, offset := in.fs.diskInodePos(inodeID)
	return newInode(inodeID, blockID, offset, in.fs)
}

// Find looks name up in this directory and returns a handle for it.
func (in *Inode) Find(name string) (*Inode, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return nil, err
	}
	_, de, err := in.findEntry(di, name)
	if err != nil {
		return nil, err
	}
	return in.inodeFor(de.inode), nil
}

// List returns the entry names of this directory in stored order.
func (in *Inode) List() ([]string, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return nil, err
	}
	if !di.isDir() {
		return nil, ErrNotDirectory
	}
	count := di.size / direntSize
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		de, err := in.entryAt(di, i)
		if err != nil {
			return nil, err
		}
		names = append(names, de.name)
	}
	return names, nil
}

// increaseSizeTo grows di to cover newSize bytes, allocating the needed data
// and index blocks from the data bitmap. Already-allocated blocks are rolled
// back if the image runs out partway. Lock held.
func (in *Inode) increaseSizeTo(newSize uint32, di *diskInode) error {
	if newSize <= di.size {
		return nil
	}
	needed := di.blocksNeeded(newSize)
	blocks := make([]uint32, 0, needed)
	for i := uint32(0); i < needed; i++ {
		b, err := in.fs.allocData()
		if err != nil {
			for _, allocated := range blocks {
				if derr := in.fs.deallocData(allocated); derr != nil {
					return derr
				}
			}
			log.WithFields(log.Fields{
				"inode":   in.id,
				"newSize": newSize,
			}).Warn("image out of data blocks")
			return err
		}
		blocks = append(blocks, b)
	}
	return di.grow(newSize, blocks, in.fs)
}

// Create adds a file or directory named name to this directory and returns a
// handle for it. The name must fit a directory entry and not collide with an
// existing one.
func (in *Inode) Create(name string, kind InodeType) (*Inode, error) {
	if len(name) > MaxNameLength {
		return nil, fmt.Errorf("name %q: %w", name, ErrNameTooLong)
	}
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return nil, err
	}
	if !di.isDir() {
		return nil, ErrNotDirectory
	}
	if _, _, err := in.findEntry(di, name); err == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrExists)
	} else if err != ErrNotFound {
		return nil, err
	}

	newID, err := in.fs.allocInode()
	if err != nil {
		return nil, err
	}
	child := in.inodeFor(newID)
	if err := child.writeDiskInode(&diskInode{kind: kind}); err != nil {
		return nil, err
	}

	// extend this directory by one slot and append the entry
	count := di.size / direntSize
	if err := in.increaseSizeTo((count+1)*direntSize, di); err != nil {
		// hand the inode number back rather than strand it
		if derr := in.fs.deallocInode(newID); derr != nil {
			return nil, derr
		}
		return nil, err
	}
	de := &dirEntry{name: name, inode: newID}
	if n, err := di.writeAt(count*direntSize, de.toBytes(), in.fs); err != nil {
		return nil, err
	} else if n != direntSize {
		panic(fmt.Sprintf("directory entry append: short write of %d bytes", n))
	}
	if err := in.writeDiskInode(di); err != nil {
		return nil, err
	}
	if err := in.fs.SyncAll(); err != nil {
		return nil, err
	}
	return child, nil
}

// ReadAt reads content bytes starting at offset into b and returns how many
// were read. Reading at or past the end returns 0 with no error.
func (in *Inode) ReadAt(b []byte, offset uint32) (int, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return 0, err
	}
	return di.readAt(offset, b, in.fs)
}

// WriteAt writes b at offset, growing the file as needed so the whole buffer
// lands; after a successful write the size covers offset+len(b). Writing to a
// directory is refused.
func (in *Inode) WriteAt(b []byte, offset uint32) (int, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return 0, err
	}
	if !di.isFile() {
		return 0, ErrNotFile
	}
	if err := in.increaseSizeTo(offset+uint32(len(b)), di); err != nil {
		return 0, err
	}
	n, err := di.writeAt(offset, b, in.fs)
	if err != nil {
		return n, err
	}
	if err := in.writeDiskInode(di); err != nil {
		return n, err
	}
	if err := in.fs.SyncAll(); err != nil {
		return n, err
	}
	return n, nil
}

// Rename changes the name of the entry old in this directory to new,
// preserving its inode. The new name must not collide with another entry.
func (in *Inode) Rename(old, new string) error {
	if len(new) > MaxNameLength {
		return fmt.Errorf("name %q: %w", new, ErrNameTooLong)
	}
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return err
	}
	if _, _, err := in.findEntry(di, new); err == nil {
		return fmt.Errorf("%q: %w", new, ErrExists)
	} else if err != ErrNotFound {
		return err
	}
	i, de, err := in.findEntry(di, old)
	if err != nil {
		return err
	}
	de.name = new
	if _, err := di.writeAt(i*direntSize, de.toBytes(), in.fs); err != nil {
		return err
	}
	return nil
}

// Clear truncates the inode to empty, releasing every content and index
// block back to the data bitmap.
func (in *Inode) Clear() error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	if err := in.clearLocked(); err != nil {
		return err
	}
	return in.fs.SyncAll()
}

func (in *Inode) clearLocked() error {
	di, err := in.readDiskInode()
	if err != nil {
		return err
	}
	prior := di.size
	released, err := di.clear(in.fs)
	if err != nil {
		return err
	}
	if uint32(len(released)) != totalBlocks(prior) {
		panic(fmt.Sprintf("clear of %d-byte inode released %d blocks, want %d", prior, len(released), totalBlocks(prior)))
	}
	for _, blockID := range released {
		if err := in.fs.deallocData(blockID); err != nil {
			return err
		}
	}
	return in.writeDiskInode(di)
}

// RemoveEntry deletes the entry named name from this directory by shifting
// the entries after it one slot left and shrinking the directory. The child
// inode itself is untouched; callers clear it separately.
func (in *Inode) RemoveEntry(name string) error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	return in.removeEntryLocked(name)
}

// removeEntryLocked releases the content block a shrink vacates, and any index
// block it leaves unused, so the index keeps covering totalBlocks(size).
func (in *Inode) removeEntryLocked(name string) error {
	di, err := in.readDiskInode()
	if err != nil {
		return err
	}
	pos, _, err := in.findEntry(di, name)
	if err != nil {
		return err
	}
	count := di.size / direntSize
	for i := pos; i+1 < count; i++ {
		de, err := in.entryAt(di, i+1)
		if err != nil {
			return err
		}
		if _, err := di.writeAt(i*direntSize, de.toBytes(), in.fs); err != nil {
			return err
		}
	}
	// zero the vacated tail slot, then shrink
	if _, err := di.writeAt((count-1)*direntSize, make([]byte, direntSize), in.fs); err != nil {
		return err
	}
	oldSize := di.size
	di.size = (count - 1) * direntSize
	if totalBlocks(di.size) < totalBlocks(oldSize) {
		// clear on a copy only reads the index; the blocks past the new
		// total are the ones the shrink left unused
		full := *di
		full.size = oldSize
		all, err := full.clear(in.fs)
		if err != nil {
			return err
		}
		for _, blockID := range all[totalBlocks(di.size):] {
			if err := in.fs.deallocData(blockID); err != nil {
				return err
			}
		}
	}
	return in.writeDiskInode(di)
}

// Unlink removes name from this directory entirely: the child's blocks go
// back to the data bitmap, its entry is removed and its inode number is
// released. A directory child must be empty.
func (in *Inode) Unlink(name string) error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	di, err := in.readDiskInode()
	if err != nil {
		return err
	}
	_, de, err := in.findEntry(di, name)
	if err != nil {
		return err
	}
	child := in.inodeFor(de.inode)
	childDi, err := child.readDiskInode()
	if err != nil {
		return err
	}
	if childDi.isDir() && childDi.size > 0 {
		return fmt.Errorf("%q: %w", name, ErrNotEmpty)
	}
	if err := child.clearLocked(); err != nil {
		return err
	}
	if err := in.removeEntryLocked(name); err != nil {
		return err
	}
	if err := in.fs.deallocInode(de.inode); err != nil {
		return err
	}
	return in.fs.SyncAll()
}

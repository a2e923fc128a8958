package easyfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// dirEntry is one fixed 32-byte slot of a directory: a NUL-terminated name of
// up to MaxNameLength bytes followed by the inode number. A directory's
// content is a dense array of these.
type dirEntry struct {
	name  string
	inode uint32
}

func dirEntryFromBytes(b []byte) *dirEntry {
	if len(b) < direntSize {
		panic(fmt.Sprintf("cannot read directory entry from %d bytes, need %d", len(b), direntSize))
	}
	name := b[:MaxNameLength+1]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return &dirEntry{
		name:  string(name),
		inode: binary.LittleEndian.Uint32(b[MaxNameLength+1 : direntSize]),
	}
}

func (de *dirEntry) toBytes() []byte {
	b := make([]byte, direntSize)
	copy(b, de.name)
	binary.LittleEndian.PutUint32(b[MaxNameLength+1:direntSize], de.inode)
	return b
}

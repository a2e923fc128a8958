package easyfs_test

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/diskfs/go-easyfs/backend"
	"github.com/diskfs/go-easyfs/backend/mem"
	"github.com/diskfs/go-easyfs/filesystem/easyfs"
	"github.com/diskfs/go-easyfs/testhelper"
)

func TestCreate(t *testing.T) {
	dev := mem.New(16384)
	fs, err := easyfs.Create(dev, 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	if fs.TotalBlocks() != 16384 {
		t.Errorf("TotalBlocks() = %d, want 16384", fs.TotalBlocks())
	}
	// 1 super + 1 inode bitmap + 1024 inode area + 4 data bitmap = 15354 data
	if fs.DataAreaBlocks() != 15354 {
		t.Errorf("DataAreaBlocks() = %d, want 15354", fs.DataAreaBlocks())
	}

	root := fs.Root()
	if root.InodeID() != 0 {
		t.Errorf("root inode id = %d, want 0", root.InodeID())
	}
	isDir, err := root.IsDir()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isDir {
		t.Errorf("root is not a directory")
	}

	// the image must be mountable again from its super block alone
	if _, err := easyfs.Open(dev); err != nil {
		t.Errorf("unable to reopen: %v", err)
	}
}

func TestOpenUnformatted(t *testing.T) {
	if _, err := easyfs.Open(mem.New(64)); !errors.Is(err, easyfs.ErrBadMagic) {
		t.Errorf("open of an unformatted device returned %v, want ErrBadMagic", err)
	}
}

func TestCreateAndFind(t *testing.T) {
	fs, err := easyfs.Create(mem.New(16384), 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	root := fs.Root()
	if _, err := root.Create("filea", easyfs.TypeFile); err != nil {
		t.Fatalf("unable to create filea: %v", err)
	}
	if _, err := root.Create("fileb", easyfs.TypeFile); err != nil {
		t.Fatalf("unable to create fileb: %v", err)
	}

	names, err := root.List()
	if err != nil {
		t.Fatalf("unable to list: %v", err)
	}
	if len(names) != 2 || names[0] != "filea" || names[1] != "fileb" {
		t.Errorf("List() = %v, want [filea fileb]", names)
	}

	filea, err := root.Find("filea")
	if err != nil {
		t.Fatalf("unable to find filea: %v", err)
	}
	isFile, err := filea.IsFile()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isFile {
		t.Errorf("filea is not a file")
	}

	if _, err := root.Find("filec"); !errors.Is(err, easyfs.ErrNotFound) {
		t.Errorf("find of a missing name returned %v, want ErrNotFound", err)
	}
	if _, err := root.Create("filea", easyfs.TypeFile); !errors.Is(err, easyfs.ErrExists) {
		t.Errorf("duplicate create returned %v, want ErrExists", err)
	}
	if _, err := root.Create(strings.Repeat("x", 28), easyfs.TypeFile); !errors.Is(err, easyfs.ErrNameTooLong) {
		t.Errorf("28-byte name returned %v, want ErrNameTooLong", err)
	}
}

func TestHelloWorld(t *testing.T) {
	fs, err := easyfs.Create(mem.New(16384), 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	root := fs.Root()
	filea, err := root.Create("filea", easyfs.TypeFile)
	if err != nil {
		t.Fatalf("unable to create filea: %v", err)
	}

	greet := "Hello, world!"
	n, err := filea.WriteAt([]byte(greet), 0)
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	if n != len(greet) {
		t.Fatalf("wrote %d bytes, want %d", n, len(greet))
	}

	buf := make([]byte, 233)
	n, err = filea.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if n != len(greet) {
		t.Errorf("read %d bytes, want %d", n, len(greet))
	}
	if string(buf[:n]) != greet {
		t.Errorf("read back %q, want %q", buf[:n], greet)
	}

	size, err := filea.Size()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != uint32(len(greet)) {
		t.Errorf("Size() = %d, want %d", size, len(greet))
	}
}

// TestLargeFiles round-trips random digit strings across the direct,
// single-indirect and double-indirect index paths, reading back in 127-byte
// chunks until EOF.
func TestLargeFiles(t *testing.T) {
	fs, err := easyfs.Create(mem.New(16384), 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	root := fs.Root()
	filea, err := root.Create("filea", easyfs.TypeFile)
	if err != nil {
		t.Fatalf("unable to create filea: %v", err)
	}

	rnd := rand.New(rand.NewSource(42))
	for _, length := range []int{
		4 * easyfs.BlockSize,
		8*easyfs.BlockSize + easyfs.BlockSize/2,
		100 * easyfs.BlockSize,
		70*easyfs.BlockSize + 73,
		140 * easyfs.BlockSize,
		400 * easyfs.BlockSize,
		1000 * easyfs.BlockSize,
		2000 * easyfs.BlockSize,
	} {
		if err := filea.Clear(); err != nil {
			t.Fatalf("length %d: unable to clear: %v", length, err)
		}
		buf := make([]byte, 233)
		if n, err := filea.ReadAt(buf, 0); err != nil || n != 0 {
			t.Fatalf("length %d: read after clear = %d, %v, want 0, nil", length, n, err)
		}

		payload := make([]byte, length)
		for i := range payload {
			payload[i] = byte('0' + rnd.Intn(10))
		}
		n, err := filea.WriteAt(payload, 0)
		if err != nil {
			t.Fatalf("length %d: unable to write: %v", length, err)
		}
		if n != length {
			t.Fatalf("length %d: wrote %d bytes", length, n)
		}

		var got bytes.Buffer
		chunk := make([]byte, 127)
		offset := uint32(0)
		for {
			n, err := filea.ReadAt(chunk, offset)
			if err != nil {
				t.Fatalf("length %d: unable to read at %d: %v", length, offset, err)
			}
			if n == 0 {
				break
			}
			got.Write(chunk[:n])
			offset += uint32(n)
		}
		if !bytes.Equal(got.Bytes(), payload) {
			t.Fatalf("length %d: read back %d bytes that do not match", length, got.Len())
		}
	}
}

func TestDirectories(t *testing.T) {
	fs, err := easyfs.Create(mem.New(16384), 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	root := fs.Root()

	d, err := root.Create("d", easyfs.TypeDirectory)
	if err != nil {
		t.Fatalf("unable to mkdir: %v", err)
	}
	if _, err := d.Create("x", easyfs.TypeFile); err != nil {
		t.Fatalf("unable to create x: %v", err)
	}

	names, err := root.List()
	if err != nil {
		t.Fatalf("unable to list root: %v", err)
	}
	if len(names) != 1 || names[0] != "d" {
		t.Errorf("root List() = %v, want [d]", names)
	}
	names, err = d.List()
	if err != nil {
		t.Fatalf("unable to list d: %v", err)
	}
	if len(names) != 1 || names[0] != "x" {
		t.Errorf("d List() = %v, want [x]", names)
	}

	// a non-empty directory refuses unlink until its children go
	if err := root.Unlink("d"); !errors.Is(err, easyfs.ErrNotEmpty) {
		t.Errorf("unlink of a non-empty directory returned %v, want ErrNotEmpty", err)
	}
	if err := d.Unlink("x"); err != nil {
		t.Fatalf("unable to unlink x: %v", err)
	}
	if err := root.Unlink("d"); err != nil {
		t.Fatalf("unable to unlink d: %v", err)
	}
	names, err = root.List()
	if err != nil {
		t.Fatalf("unable to list root: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("root List() = %v, want empty", names)
	}

	// released inode numbers come back to the lowest-free policy
	e, err := root.Create("e", easyfs.TypeFile)
	if err != nil {
		t.Fatalf("unable to create e: %v", err)
	}
	if e.InodeID() != 1 {
		t.Errorf("recreated inode id = %d, want 1", e.InodeID())
	}
}

func TestRemoveEntryShifts(t *testing.T) {
	fs, err := easyfs.Create(mem.New(16384), 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	root := fs.Root()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := root.Create(name, easyfs.TypeFile); err != nil {
			t.Fatalf("unable to create %s: %v", name, err)
		}
	}
	if err := root.RemoveEntry("b"); err != nil {
		t.Fatalf("unable to remove b: %v", err)
	}
	names, err := root.List()
	if err != nil {
		t.Fatalf("unable to list: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Errorf("List() = %v, want [a c]", names)
	}
	if err := root.RemoveEntry("b"); !errors.Is(err, easyfs.ErrNotFound) {
		t.Errorf("second remove returned %v, want ErrNotFound", err)
	}
}

func TestRename(t *testing.T) {
	fs, err := easyfs.Create(mem.New(16384), 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	root := fs.Root()
	a, err := root.Create("a", easyfs.TypeFile)
	if err != nil {
		t.Fatalf("unable to create a: %v", err)
	}
	if _, err := root.Create("c", easyfs.TypeFile); err != nil {
		t.Fatalf("unable to create c: %v", err)
	}

	if err := root.Rename("a", "b"); err != nil {
		t.Fatalf("unable to rename: %v", err)
	}
	b, err := root.Find("b")
	if err != nil {
		t.Fatalf("renamed entry not found: %v", err)
	}
	if b.InodeID() != a.InodeID() {
		t.Errorf("rename moved the entry to inode %d, want %d", b.InodeID(), a.InodeID())
	}
	if _, err := root.Find("a"); !errors.Is(err, easyfs.ErrNotFound) {
		t.Errorf("old name still resolves: %v", err)
	}
	if err := root.Rename("b", "c"); !errors.Is(err, easyfs.ErrExists) {
		t.Errorf("rename onto an existing name returned %v, want ErrExists", err)
	}
	if err := root.Rename("zz", "yy"); !errors.Is(err, easyfs.ErrNotFound) {
		t.Errorf("rename of a missing name returned %v, want ErrNotFound", err)
	}
}

func TestWriteToDirectory(t *testing.T) {
	fs, err := easyfs.Create(mem.New(16384), 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	n, err := fs.Root().WriteAt([]byte("data"), 0)
	if !errors.Is(err, easyfs.ErrNotFile) {
		t.Errorf("write to a directory returned %v, want ErrNotFile", err)
	}
	if n != 0 {
		t.Errorf("write to a directory wrote %d bytes", n)
	}
}

func TestReopen(t *testing.T) {
	dev := mem.New(16384)
	fs, err := easyfs.Create(dev, 16384, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	root := fs.Root()
	f, err := root.Create("persist", easyfs.TypeFile)
	if err != nil {
		t.Fatalf("unable to create: %v", err)
	}
	if _, err := f.WriteAt([]byte("still here"), 0); err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("unable to sync: %v", err)
	}

	fs2, err := easyfs.Open(dev)
	if err != nil {
		t.Fatalf("unable to reopen: %v", err)
	}
	f2, err := fs2.Root().Find("persist")
	if err != nil {
		t.Fatalf("file lost across reopen: %v", err)
	}
	buf := make([]byte, 32)
	n, err := f2.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if string(buf[:n]) != "still here" {
		t.Errorf("read back %q", buf[:n])
	}
}

// TestExhaustion formats the smallest sensible image and fills its data area
// to the last block: 1055 blocks leave 28 for data, and the root directory
// holds one of them once the file's entry is in place.
func TestExhaustion(t *testing.T) {
	fs, err := easyfs.Create(mem.New(1055), 1055, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	if fs.DataAreaBlocks() != 28 {
		t.Fatalf("DataAreaBlocks() = %d, want 28", fs.DataAreaBlocks())
	}
	root := fs.Root()
	f, err := root.Create("f", easyfs.TypeFile)
	if err != nil {
		t.Fatalf("unable to create: %v", err)
	}

	free := int(fs.DataAreaBlocks()) - 1
	payload := make([]byte, free*easyfs.BlockSize)
	n, err := f.WriteAt(payload, 0)
	if err != nil {
		t.Fatalf("boundary write failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("boundary write wrote %d of %d bytes", n, len(payload))
	}

	if err := f.Clear(); err != nil {
		t.Fatalf("unable to clear: %v", err)
	}
	over := make([]byte, (free+1)*easyfs.BlockSize)
	if _, err := f.WriteAt(over, 0); !errors.Is(err, easyfs.ErrNoSpace) {
		t.Fatalf("oversized write returned %v, want ErrNoSpace", err)
	}

	// the failed write must have rolled its allocations back
	if n, err := f.WriteAt(payload, 0); err != nil || n != len(payload) {
		t.Errorf("boundary write after failure = %d, %v", n, err)
	}
}

// TestSyncAllIdempotent checks that a second flush with no intervening writes
// does not touch the device again.
func TestSyncAllIdempotent(t *testing.T) {
	store := map[uint64][]byte{}
	dev := &testhelper.DeviceImpl{
		Identity: "sync-count",
		Reader: func(block uint64, b []byte) error {
			if v, ok := store[block]; ok {
				copy(b[:backend.BlockSize], v)
				return nil
			}
			for i := range b[:backend.BlockSize] {
				b[i] = 0
			}
			return nil
		},
		Writer: func(block uint64, b []byte) error {
			v := make([]byte, backend.BlockSize)
			copy(v, b)
			store[block] = v
			return nil
		},
	}

	fs, err := easyfs.Create(dev, 2048, 1)
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	f, err := fs.Root().Create("f", easyfs.TypeFile)
	if err != nil {
		t.Fatalf("unable to create: %v", err)
	}
	if _, err := f.WriteAt([]byte("dirty"), 0); err != nil {
		t.Fatalf("unable to write: %v", err)
	}

	if err := fs.SyncAll(); err != nil {
		t.Fatalf("unable to sync: %v", err)
	}
	writes := dev.WriteCount
	if err := fs.SyncAll(); err != nil {
		t.Fatalf("unable to sync: %v", err)
	}
	if dev.WriteCount != writes {
		t.Errorf("second SyncAll issued %d more writes", dev.WriteCount-writes)
	}
}

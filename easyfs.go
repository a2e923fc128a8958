// Package easyfs implements methods for creating and manipulating compact
// filesystem images made of 512-byte blocks.
//
// It manipulates the image bytes directly and does not mount anything; the
// filesystem itself lives in github.com/diskfs/go-easyfs/filesystem/easyfs,
// and this package just wires it to a backing image file.
//
// Create a 16384-block image with a one-block inode bitmap and add a file:
//
//	fs, err := easyfs.CreateFromPath("/tmp/fs.img", 16384, 1)
//	root := fs.Root()
//	f, err := root.Create("hello", efs.TypeFile)
//	_, err = f.WriteAt([]byte("Hello, world!"), 0)
//
// Open it again later:
//
//	fs, err := easyfs.OpenFromPath("/tmp/fs.img")
package easyfs

import (
	"github.com/diskfs/go-easyfs/backend/file"
	efs "github.com/diskfs/go-easyfs/filesystem/easyfs"
)

// CreateFromPath creates an image file of totalBlocks blocks at the path and
// formats it, returning the mounted filesystem.
func CreateFromPath(pathName string, totalBlocks, inodeBitmapBlocks uint32) (*efs.FileSystem, error) {
	dev, err := file.CreateFromPath(pathName, uint64(totalBlocks))
	if err != nil {
		return nil, err
	}
	fs, err := efs.Create(dev, totalBlocks, inodeBitmapBlocks)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return fs, nil
}

// OpenFromPath mounts an existing image file.
func OpenFromPath(pathName string) (*efs.FileSystem, error) {
	dev, err := file.OpenFromPath(pathName)
	if err != nil {
		return nil, err
	}
	fs, err := efs.Open(dev)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return fs, nil
}

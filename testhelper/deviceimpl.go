package testhelper

import (
	"fmt"
)

type blockReader func(block uint64, b []byte) error
type blockWriter func(block uint64, b []byte) error

// DeviceImpl implements github.com/diskfs/go-easyfs/backend.BlockDevice,
// used for testing to enable stubbing out devices
type DeviceImpl struct {
	Reader     blockReader
	Writer     blockWriter
	Identity   string
	ReadCount  int
	WriteCount int
}

func (d *DeviceImpl) ReadBlock(block uint64, b []byte) error {
	d.ReadCount++
	if d.Reader == nil {
		return fmt.Errorf("DeviceImpl has no Reader")
	}
	return d.Reader(block, b)
}

func (d *DeviceImpl) WriteBlock(block uint64, b []byte) error {
	d.WriteCount++
	if d.Writer == nil {
		return fmt.Errorf("DeviceImpl has no Writer")
	}
	return d.Writer(block, b)
}

func (d *DeviceImpl) ID() string {
	if d.Identity == "" {
		return "testhelper-device"
	}
	return d.Identity
}

func (d *DeviceImpl) Close() error {
	return nil
}

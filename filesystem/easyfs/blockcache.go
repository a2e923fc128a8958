package easyfs

import (
	"fmt"
	"sync"

	"github.com/diskfs/go-easyfs/backend"
)

// blockCache mirrors one on-disk block in memory. All access goes through the
// read/modify callbacks so the dirty flag always reflects the buffer state;
// the buffer is written back on sync when dirty.
type blockCache struct {
	mu     sync.Mutex
	block  uint64
	device backend.BlockDevice
	buf    [BlockSize]byte
	dirty  bool
}

// newBlockCache reads the block from the device into a fresh cache.
func newBlockCache(block uint64, device backend.BlockDevice) (*blockCache, error) {
	c := &blockCache{
		block:  block,
		device: device,
	}
	if err := device.ReadBlock(block, c.buf[:]); err != nil {
		return nil, fmt.Errorf("unable to fill cache for block %d: %w", block, err)
	}
	return c, nil
}

// read runs f over the size bytes at offset. The slice passed to f is only
// valid for the duration of the call and must not be modified.
func (c *blockCache) read(offset, size int, f func(b []byte)) {
	if offset < 0 || offset+size > BlockSize {
		panic(fmt.Sprintf("cache read of [%d:%d] outside a %d-byte block", offset, offset+size, BlockSize))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f(c.buf[offset : offset+size])
}

// modify is read with a mutable view; the cache is marked dirty before f runs.
func (c *blockCache) modify(offset, size int, f func(b []byte)) {
	if offset < 0 || offset+size > BlockSize {
		panic(fmt.Sprintf("cache modify of [%d:%d] outside a %d-byte block", offset, offset+size, BlockSize))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	f(c.buf[offset : offset+size])
}

// sync writes the buffer back if dirty and clears the flag.
func (c *blockCache) sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	if err := c.device.WriteBlock(c.block, c.buf[:]); err != nil {
		return fmt.Errorf("unable to write back block %d: %w", c.block, err)
	}
	c.dirty = false
	return nil
}

// cacheKey identifies a cached block. Keying on the device identity as well as
// the block number keeps simultaneously mounted images from aliasing.
type cacheKey struct {
	device string
	block  uint64
}

type cacheSlot struct {
	key   cacheKey
	cache *blockCache
	refs  int
}

// cacheManager holds up to capacity block caches in insertion order. Eviction
// scans oldest to newest and replaces the first entry with no outstanding
// reference; a full manager with every entry pinned is a programming error,
// since the capacity is sized well above the deepest pin nesting.
type cacheManager struct {
	mu       sync.Mutex
	capacity int
	slots    []*cacheSlot
}

func newCacheManager(capacity int) *cacheManager {
	return &cacheManager{capacity: capacity}
}

// get returns a pinned cache for the block, loading it from the device on a
// miss. Every get must be paired with a release.
func (m *cacheManager) get(block uint64, device backend.BlockDevice) (*blockCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cacheKey{device: device.ID(), block: block}
	for _, s := range m.slots {
		if s.key == key {
			s.refs++
			return s.cache, nil
		}
	}
	if len(m.slots) >= m.capacity {
		evicted := false
		for i, s := range m.slots {
			if s.refs == 0 {
				if err := s.cache.sync(); err != nil {
					return nil, err
				}
				m.slots = append(m.slots[:i], m.slots[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			panic("run out of block cache: every entry is pinned")
		}
	}
	c, err := newBlockCache(block, device)
	if err != nil {
		return nil, err
	}
	m.slots = append(m.slots, &cacheSlot{key: key, cache: c, refs: 1})
	return c, nil
}

// release drops one pin from a cache previously returned by get.
func (m *cacheManager) release(c *blockCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.cache == c {
			if s.refs == 0 {
				panic(fmt.Sprintf("release of unpinned cache for block %d", c.block))
			}
			s.refs--
			return
		}
	}
	panic(fmt.Sprintf("release of unknown cache for block %d", c.block))
}

// syncAll flushes every cached block. It is the sole durability primitive.
func (m *cacheManager) syncAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if err := s.cache.sync(); err != nil {
			return err
		}
	}
	return nil
}

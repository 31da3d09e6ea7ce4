package block

import (
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/anvilsec/evilmsc/internal/obs"
)

// COWImage layers a writable overlay and a per-block dirty bitmap over a
// read-only base image. A block that has never been written reads through
// to the base; once written, it reads from the overlay forever after. The
// dirty bitmap is itself backed by a memory-mapped sidecar file, so the
// bitmap IS the mapped region — Sync/Close persist it with no separate
// marshaling step.
type COWImage struct {
	mu        sync.RWMutex
	base      Image
	overlay   Image
	sidecar   *MMapImage
	dirty     bitmap.Bitmap
	blockSize uint32
	capacity  uint64
}

// sidecarSize returns the number of bytes needed to hold one bit per block.
func sidecarSize(capacity uint64) int64 {
	return int64((capacity + 7) / 8)
}

// NewCOWImage builds a COWImage from an already-open base and overlay image
// (both typically *MMapImage) and a sidecar path used to persist the dirty
// bitmap. base and overlay must share the same block size and capacity.
func NewCOWImage(base, overlay Image, sidecarPath string) (*COWImage, error) {
	if base.BlockSize() != overlay.BlockSize() {
		return nil, obs.ErrInvalidCBW
	}
	capacity := base.Capacity()
	if overlay.Capacity() < capacity {
		capacity = overlay.Capacity()
	}

	sidecar, err := OpenMMapImage(sidecarPath, 1, false, sidecarSize(capacity))
	if err != nil {
		return nil, err
	}

	return &COWImage{
		base:      base,
		overlay:   overlay,
		sidecar:   sidecar,
		dirty:     bitmap.Map(sidecar.Bytes()),
		blockSize: base.BlockSize(),
		capacity:  capacity,
	}, nil
}

func (c *COWImage) BlockSize() uint32 { return c.blockSize }

func (c *COWImage) Capacity() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// ReadBlocks walks the requested range as a sequence of runs of equal dirty
// state, dispatching each run to the overlay (dirty) or base (clean) in one
// call rather than block by block.
func (c *COWImage) ReadBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !inRange(lba, count, c.capacity) {
		return 0, obs.ErrOutOfRange
	}
	if count == 0 {
		return 0, nil
	}

	blockSize := uint64(c.blockSize)
	var produced uint32
	runStart := lba
	runDirty := c.dirty.Get(int(lba))

	flush := func(start, end uint64, dirty bool) error {
		if end <= start {
			return nil
		}
		n := uint32(end - start)
		off := (start - lba) * blockSize
		target := c.overlay
		if !dirty {
			target = c.base
		}
		got, err := target.ReadBlocks(start, n, buf[off:])
		if err != nil {
			return err
		}
		if got != n {
			return obs.ErrShortRead
		}
		return nil
	}

	for i := lba + 1; i < lba+uint64(count); i++ {
		d := c.dirty.Get(int(i))
		if d != runDirty {
			if err := flush(runStart, i, runDirty); err != nil {
				return produced, err
			}
			produced += uint32(i - runStart)
			runStart = i
			runDirty = d
		}
	}
	end := lba + uint64(count)
	if err := flush(runStart, end, runDirty); err != nil {
		return produced, err
	}
	produced += uint32(end - runStart)

	return produced, nil
}

// WriteBlocks always writes to the overlay and marks the range dirty.
func (c *COWImage) WriteBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !inRange(lba, count, c.capacity) {
		return 0, obs.ErrOutOfRange
	}
	n, err := c.overlay.WriteBlocks(lba, count, buf)
	if err != nil {
		return n, err
	}
	for i := lba; i < lba+uint64(n); i++ {
		c.dirty.Set(int(i), true)
	}
	return n, nil
}

func (c *COWImage) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.overlay.Sync(); err != nil {
		return err
	}
	return c.sidecar.Sync()
}

func (c *COWImage) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.base.Close()
	if oerr := c.overlay.Close(); oerr != nil && err == nil {
		err = oerr
	}
	if serr := c.sidecar.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

var _ Image = (*COWImage)(nil)

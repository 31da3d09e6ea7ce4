package block

import (
	"sync"
)

// ToggleImage owns two images and routes all I/O to whichever is currently
// active, enabling TOCTOU-style disk-swap scenarios: the host reads (or
// writes) the same LBA twice across one logical operation and observes two
// different backing disks. Toggle is intentionally cheap (a pointer flip
// under a mutex) so it can be called concurrently with command processing
// without blocking either side; callers that want a deterministic swap
// point should only toggle between CBWs.
type ToggleImage struct {
	mu     sync.Mutex
	images [2]Image
	active int
}

// NewToggleImage creates a ToggleImage starting on images[0]. Both images
// must share the same block size; capacity is allowed to differ; Capacity()
// reports whichever is currently active.
func NewToggleImage(a, b Image) *ToggleImage {
	return &ToggleImage{images: [2]Image{a, b}}
}

// Toggle swaps the active image and returns the new active index (0 or 1).
func (t *ToggleImage) Toggle() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active ^= 1
	return t.active
}

// Active returns the currently active index (0 or 1).
func (t *ToggleImage) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *ToggleImage) current() Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.images[t.active]
}

func (t *ToggleImage) BlockSize() uint32 { return t.current().BlockSize() }
func (t *ToggleImage) Capacity() uint64  { return t.current().Capacity() }

func (t *ToggleImage) ReadBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	return t.current().ReadBlocks(lba, count, buf)
}

func (t *ToggleImage) WriteBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	return t.current().WriteBlocks(lba, count, buf)
}

func (t *ToggleImage) Sync() error {
	return t.current().Sync()
}

// Close closes both owned images, not just the active one.
func (t *ToggleImage) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.images[0].Close()
	if cerr := t.images[1].Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return nil
}

var _ Image = (*ToggleImage)(nil)

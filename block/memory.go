package block

import (
	"sync"

	"github.com/anvilsec/evilmsc/internal/obs"
)

// MemoryImage implements Image over an in-memory byte slice. It is the
// simplest backend and is mainly useful for tests and ephemeral scratch
// disks.
type MemoryImage struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
	readOnly  bool
}

// NewMemoryImage creates an in-memory image of the given capacity (in
// blocks) and block size.
func NewMemoryImage(capacity uint64, blockSize uint32) *MemoryImage {
	return &MemoryImage{
		data:      make([]byte, capacity*uint64(blockSize)),
		blockSize: blockSize,
	}
}

// SetReadOnly toggles the read-only flag.
func (m *MemoryImage) SetReadOnly(ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = ro
}

func (m *MemoryImage) BlockSize() uint32 { return m.blockSize }

func (m *MemoryImage) Capacity() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data)) / uint64(m.blockSize)
}

func (m *MemoryImage) ReadBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !inRange(lba, count, uint64(len(m.data))/uint64(m.blockSize)) {
		return 0, obs.ErrOutOfRange
	}
	offset := lba * uint64(m.blockSize)
	length := uint64(count) * uint64(m.blockSize)
	if uint64(len(buf)) < length {
		return 0, obs.ErrBufferTooSmall
	}
	copy(buf, m.data[offset:offset+length])
	return count, nil
}

func (m *MemoryImage) WriteBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readOnly {
		return 0, obs.ErrReadOnly
	}
	if !inRange(lba, count, uint64(len(m.data))/uint64(m.blockSize)) {
		return 0, obs.ErrOutOfRange
	}
	offset := lba * uint64(m.blockSize)
	length := uint64(count) * uint64(m.blockSize)
	if uint64(len(buf)) < length {
		return 0, obs.ErrBufferTooSmall
	}
	copy(m.data[offset:offset+length], buf)
	return count, nil
}

func (m *MemoryImage) Sync() error { return nil }
func (m *MemoryImage) Close() error { return nil }

var _ Image = (*MemoryImage)(nil)

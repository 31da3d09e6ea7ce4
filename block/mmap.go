package block

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/anvilsec/evilmsc/internal/obs"
)

// MMapImage implements Image over a memory-mapped file. Reads and writes
// are plain slice operations against the mapped region; Sync calls msync
// and Close unmaps and closes the file.
type MMapImage struct {
	mu        sync.RWMutex
	file      *os.File
	data      []byte
	blockSize uint32
	readOnly  bool
}

// OpenMMapImage mmaps path for shared read/write access. If the file does
// not exist and newSize is non-zero, it is created and truncated to
// newSize bytes before being mapped.
func OpenMMapImage(path string, blockSize uint32, readOnly bool, newSize int64) (*MMapImage, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0644)
	if os.IsNotExist(err) && !readOnly && newSize != 0 {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, err
		}
		if err := file.Truncate(newSize); err != nil {
			file.Close()
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	size := stat.Size()

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &MMapImage{
		file:      file,
		data:      data,
		blockSize: blockSize,
		readOnly:  readOnly,
	}, nil
}

func (m *MMapImage) BlockSize() uint32 { return m.blockSize }

func (m *MMapImage) Capacity() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data)) / uint64(m.blockSize)
}

func (m *MMapImage) ReadBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, obs.ErrClosed
	}
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

func (m *MMapImage) WriteBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, obs.ErrClosed
	}
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

func (m *MMapImage) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *MMapImage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if cerr := m.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Bytes exposes the raw mapped region. Used by COWImage to mmap its dirty
// bitset sidecar over the same region a bitmap.Bitmap wraps.
func (m *MMapImage) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

var _ Image = (*MMapImage)(nil)

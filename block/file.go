package block

import (
	"io"
	"os"
	"sync"

	"github.com/anvilsec/evilmsc/internal/obs"
)

// FileImage implements Image over a regular file accessed with ReadAt/WriteAt.
// Use MMapImage instead when the access pattern benefits from a mapped
// address space (notably COWImage, which mmaps its sidecar bitset file).
type FileImage struct {
	mu        sync.RWMutex
	file      *os.File
	blockSize uint32
	size      uint64
	readOnly  bool
}

// OpenFileImage opens path as a file-backed image. If the file does not
// exist and newSize is non-zero, it is created and truncated to newSize
// bytes, mirroring the create-on-demand behavior of the original disk-image
// tooling this package is modeled on.
func OpenFileImage(path string, blockSize uint32, readOnly bool, newSize int64) (*FileImage, error) {
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

	return &FileImage{
		file:      file,
		blockSize: blockSize,
		size:      uint64(stat.Size()),
		readOnly:  readOnly,
	}, nil
}

func (f *FileImage) BlockSize() uint32 { return f.blockSize }

func (f *FileImage) Capacity() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size / uint64(f.blockSize)
}

func (f *FileImage) ReadBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !inRange(lba, count, f.size/uint64(f.blockSize)) {
		return 0, obs.ErrOutOfRange
	}
	offset := int64(lba * uint64(f.blockSize))
	length := int(uint64(count) * uint64(f.blockSize))
	if len(buf) < length {
		return 0, obs.ErrBufferTooSmall
	}

	n, err := f.file.ReadAt(buf[:length], offset)
	if err != nil && err != io.EOF {
		return 0, err
	}
	return uint32(n) / f.blockSize, nil
}

func (f *FileImage) WriteBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readOnly {
		return 0, obs.ErrReadOnly
	}
	if !inRange(lba, count, f.size/uint64(f.blockSize)) {
		return 0, obs.ErrOutOfRange
	}
	offset := int64(lba * uint64(f.blockSize))
	length := int(uint64(count) * uint64(f.blockSize))
	if len(buf) < length {
		return 0, obs.ErrBufferTooSmall
	}

	n, err := f.file.WriteAt(buf[:length], offset)
	if err != nil {
		return 0, err
	}
	return uint32(n) / f.blockSize, nil
}

func (f *FileImage) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readOnly {
		return nil
	}
	return f.file.Sync()
}

func (f *FileImage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

var _ Image = (*FileImage)(nil)

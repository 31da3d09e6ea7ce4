package block

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestCOWImageReadThroughUntilWritten(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.img")
	overlayPath := filepath.Join(dir, "overlay.img")
	sidecarPath := filepath.Join(dir, "overlay.dirty")

	const blocks = 8
	const blockSize = 512

	base, err := OpenMMapImage(basePath, blockSize, false, blocks*blockSize)
	if err != nil {
		t.Fatalf("OpenMMapImage base: %v", err)
	}
	seed := bytes.Repeat([]byte{0x55}, blocks*blockSize)
	if _, err := base.WriteBlocks(0, blocks, seed); err != nil {
		t.Fatalf("seed base: %v", err)
	}

	overlay, err := OpenMMapImage(overlayPath, blockSize, false, blocks*blockSize)
	if err != nil {
		t.Fatalf("OpenMMapImage overlay: %v", err)
	}

	cow, err := NewCOWImage(base, overlay, sidecarPath)
	if err != nil {
		t.Fatalf("NewCOWImage: %v", err)
	}
	defer cow.Close()

	buf := make([]byte, blockSize*blocks)
	if _, err := cow.ReadBlocks(0, blocks, buf); err != nil {
		t.Fatalf("ReadBlocks (clean): %v", err)
	}
	if !bytes.Equal(buf, seed) {
		t.Fatal("clean COW image should read through to base")
	}

	overwrite := bytes.Repeat([]byte{0xAA}, blockSize*2)
	if _, err := cow.WriteBlocks(3, 2, overwrite); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	buf2 := make([]byte, blockSize*blocks)
	if _, err := cow.ReadBlocks(0, blocks, buf2); err != nil {
		t.Fatalf("ReadBlocks (mixed): %v", err)
	}
	if !bytes.Equal(buf2[0:3*blockSize], seed[0:3*blockSize]) {
		t.Fatal("blocks before the write should still read from base")
	}
	if !bytes.Equal(buf2[3*blockSize:5*blockSize], overwrite) {
		t.Fatal("written blocks should read from overlay")
	}
	if !bytes.Equal(buf2[5*blockSize:], seed[5*blockSize:blocks*blockSize]) {
		t.Fatal("blocks after the write should still read from base")
	}
}

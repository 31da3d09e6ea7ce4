package block

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestFileImageCreateReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	img, err := OpenFileImage(path, 512, false, 4*512)
	if err != nil {
		t.Fatalf("OpenFileImage: %v", err)
	}
	defer img.Close()

	if img.Capacity() != 4 {
		t.Fatalf("Capacity() = %d, want 4", img.Capacity())
	}

	data := bytes.Repeat([]byte{0x5A}, 512)
	if _, err := img.WriteBlocks(2, 1, data); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	buf := make([]byte, 512)
	if _, err := img.ReadBlocks(2, 1, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("read back mismatch")
	}
}

func TestFileImageReadOnlyRejectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if _, err := OpenFileImage(path, 512, false, 512); err != nil {
		t.Fatalf("create: %v", err)
	}

	img, err := OpenFileImage(path, 512, true, 0)
	if err != nil {
		t.Fatalf("OpenFileImage read-only: %v", err)
	}
	defer img.Close()

	if _, err := img.WriteBlocks(0, 1, make([]byte, 512)); err == nil {
		t.Fatal("expected read-only error")
	}
}

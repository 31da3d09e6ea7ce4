package block

import (
	"bytes"
	"testing"
)

func TestMemoryImageReadWrite(t *testing.T) {
	img := NewMemoryImage(4, 512)

	data := bytes.Repeat([]byte{0xAB}, 512)
	n, err := img.WriteBlocks(1, 1, data)
	if err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if n != 1 {
		t.Fatalf("wrote %d blocks, want 1", n)
	}

	buf := make([]byte, 512)
	n, err = img.ReadBlocks(1, 1, buf)
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if n != 1 || !bytes.Equal(buf, data) {
		t.Fatalf("read back mismatch")
	}
}

func TestMemoryImageOutOfRange(t *testing.T) {
	img := NewMemoryImage(2, 512)
	buf := make([]byte, 1024)
	if _, err := img.ReadBlocks(1, 2, buf); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestMemoryImageReadOnly(t *testing.T) {
	img := NewMemoryImage(2, 512)
	img.SetReadOnly(true)
	buf := make([]byte, 512)
	if _, err := img.WriteBlocks(0, 1, buf); err == nil {
		t.Fatal("expected read-only error")
	}
}

package block

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestMMapImageReadWriteAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	img, err := OpenMMapImage(path, 512, false, 4*512)
	if err != nil {
		t.Fatalf("OpenMMapImage: %v", err)
	}

	data := bytes.Repeat([]byte{0x9C}, 512)
	if _, err := img.WriteBlocks(1, 1, data); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if err := img.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenMMapImage(path, 512, true, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	buf := make([]byte, 512)
	if _, err := reopened.ReadBlocks(1, 1, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("data did not persist across close/reopen")
	}
}

func TestMMapImageClosedRejectsAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	img, err := OpenMMapImage(path, 512, false, 512)
	if err != nil {
		t.Fatalf("OpenMMapImage: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := img.ReadBlocks(0, 1, make([]byte, 512)); err == nil {
		t.Fatal("expected error reading from closed image")
	}
}

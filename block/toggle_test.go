package block

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestToggleImageSwapsActiveDisk(t *testing.T) {
	a := NewMemoryImage(2, 512)
	b := NewMemoryImage(2, 512)

	aData := bytes.Repeat([]byte{0xAA}, 512)
	bData := bytes.Repeat([]byte{0xBB}, 512)
	if _, err := a.WriteBlocks(0, 1, aData); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if _, err := b.WriteBlocks(0, 1, bData); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	tg := NewToggleImage(a, b)
	if tg.Active() != 0 {
		t.Fatal("should start on image 0")
	}

	buf := make([]byte, 512)
	if _, err := tg.ReadBlocks(0, 1, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(buf, aData) {
		t.Fatal("expected to read disk a before toggle")
	}

	if got := tg.Toggle(); got != 1 {
		t.Fatalf("Toggle returned %d, want 1", got)
	}

	if _, err := tg.ReadBlocks(0, 1, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(buf, bData) {
		t.Fatal("expected to read disk b after toggle")
	}
}

func TestToggleImageCloseClosesBoth(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenMMapImage(filepath.Join(dir, "a.img"), 512, false, 512)
	if err != nil {
		t.Fatalf("OpenMMapImage a: %v", err)
	}
	b, err := OpenMMapImage(filepath.Join(dir, "b.img"), 512, false, 512)
	if err != nil {
		t.Fatalf("OpenMMapImage b: %v", err)
	}
	tg := NewToggleImage(a, b)
	if err := tg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	buf := make([]byte, 512)
	if _, err := a.ReadBlocks(0, 1, buf); err == nil {
		t.Error("image 0 should be closed")
	}
	if _, err := b.ReadBlocks(0, 1, buf); err == nil {
		t.Error("image 1 should be closed")
	}
}

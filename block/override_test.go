package block

import (
	"bytes"
	"testing"
)

func fillSrc(t *testing.T, blocks uint64, blockSize uint32, fill byte) *MemoryImage {
	t.Helper()
	img := NewMemoryImage(blocks, blockSize)
	data := bytes.Repeat([]byte{fill}, int(blocks)*int(blockSize))
	if _, err := img.WriteBlocks(0, uint32(blocks), data); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	return img
}

func TestOverrideImageSingleBlock(t *testing.T) {
	src := fillSrc(t, 8, 512, 0x00)
	ov := NewOverrideImage(src)

	called := false
	ov.AddSingle(3, func(src Image, start uint64, count uint32) []byte {
		called = true
		return bytes.Repeat([]byte{0xFF}, 512)
	})

	buf := make([]byte, 512*3)
	n, err := ov.ReadBlocks(2, 3, buf)
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d blocks, want 3", n)
	}
	if !called {
		t.Fatal("override callback was not invoked")
	}
	if !bytes.Equal(buf[0:512], bytes.Repeat([]byte{0x00}, 512)) {
		t.Fatal("block 2 should read through to src")
	}
	if !bytes.Equal(buf[512:1024], bytes.Repeat([]byte{0xFF}, 512)) {
		t.Fatal("block 3 should be overridden")
	}
	if !bytes.Equal(buf[1024:1536], bytes.Repeat([]byte{0x00}, 512)) {
		t.Fatal("block 4 should read through to src")
	}
}

func TestOverrideImageRangeSkipsNonMatching(t *testing.T) {
	src := fillSrc(t, 10, 512, 0x11)
	ov := NewOverrideImage(src)

	// A range override that does not intersect the read at all. Per the
	// corrected walk, this must never short-circuit the scan of later
	// entries or of the plain pass-through blocks.
	ov.AddRange(100, 200, func(Image, uint64, uint32) []byte {
		t.Fatal("out-of-range override callback should never be invoked")
		return nil
	})

	calls := 0
	ov.AddRange(4, 6, func(src Image, start uint64, count uint32) []byte {
		calls++
		return bytes.Repeat([]byte{0xEE}, int(count)*512)
	})

	buf := make([]byte, 512*10)
	n, err := ov.ReadBlocks(0, 10, buf)
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if n != 10 {
		t.Fatalf("got %d blocks, want 10", n)
	}
	if calls != 1 {
		t.Fatalf("expected the in-range override to run exactly once as a single run, got %d calls", calls)
	}
	for _, lba := range []uint64{0, 1, 2, 3, 7, 8, 9} {
		off := lba * 512
		if !bytes.Equal(buf[off:off+512], bytes.Repeat([]byte{0x11}, 512)) {
			t.Fatalf("block %d should read through to src", lba)
		}
	}
	for _, lba := range []uint64{4, 5, 6} {
		off := lba * 512
		if !bytes.Equal(buf[off:off+512], bytes.Repeat([]byte{0xEE}, 512)) {
			t.Fatalf("block %d should be overridden", lba)
		}
	}
}

func TestOverrideImageDeclinedOverrideFallsThrough(t *testing.T) {
	src := fillSrc(t, 4, 512, 0x22)
	ov := NewOverrideImage(src)
	ov.AddSingle(1, func(Image, uint64, uint32) []byte { return nil })

	buf := make([]byte, 512)
	if _, err := ov.ReadBlocks(1, 1, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x22}, 512)) {
		t.Fatal("declined override should fall through to src")
	}
}

func TestOverrideImageWritePassesThrough(t *testing.T) {
	src := NewMemoryImage(2, 512)
	ov := NewOverrideImage(src)

	data := bytes.Repeat([]byte{0x33}, 512)
	if _, err := ov.WriteBlocks(0, 1, data); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	buf := make([]byte, 512)
	if _, err := src.ReadBlocks(0, 1, buf); err != nil {
		t.Fatalf("src ReadBlocks: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("write should have passed straight through to src")
	}
}

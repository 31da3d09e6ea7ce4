package block

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestIOLoggerHeaderAndEntries(t *testing.T) {
	inner := NewMemoryImage(4, 512)
	var log bytes.Buffer

	logger, err := NewIOLogger(inner, &log, LogFlagIncludesData)
	if err != nil {
		t.Fatalf("NewIOLogger: %v", err)
	}

	if log.Len() != logHeaderSize {
		t.Fatalf("header size = %d, want %d", log.Len(), logHeaderSize)
	}
	gotBlockSize := binary.NativeEndian.Uint32(log.Bytes()[0:4])
	gotCapacity := binary.NativeEndian.Uint64(log.Bytes()[4:12])
	if gotBlockSize != 512 || gotCapacity != 4 {
		t.Fatalf("header mismatch: blockSize=%d capacity=%d", gotBlockSize, gotCapacity)
	}

	data := bytes.Repeat([]byte{0x7A}, 512)
	if _, err := logger.WriteBlocks(1, 1, data); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	entry := log.Bytes()[logHeaderSize:]
	if IOOp(entry[0]) != IOOpWrite {
		t.Fatalf("op = %d, want write", entry[0])
	}
	offset := binary.NativeEndian.Uint64(entry[1:9])
	count := binary.NativeEndian.Uint32(entry[9:13])
	if offset != 1 || count != 1 {
		t.Fatalf("entry offset/count = %d/%d, want 1/1", offset, count)
	}
	if !bytes.Equal(entry[logEntryFixedSize:logEntryFixedSize+512], data) {
		t.Fatal("logged payload does not match written data")
	}
}

func TestIOLoggerOmitsDataWithoutFlag(t *testing.T) {
	inner := NewMemoryImage(2, 512)
	var log bytes.Buffer

	logger, err := NewIOLogger(inner, &log, LogFlagNone)
	if err != nil {
		t.Fatalf("NewIOLogger: %v", err)
	}

	before := log.Len()
	buf := make([]byte, 512)
	if _, err := logger.ReadBlocks(0, 1, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	after := log.Len()
	if after-before != logEntryFixedSize {
		t.Fatalf("entry size = %d, want %d (no payload)", after-before, logEntryFixedSize)
	}
}

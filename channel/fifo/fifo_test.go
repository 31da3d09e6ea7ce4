package fifo

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/anvilsec/evilmsc/channel"
)

func TestWriteDescriptorsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ch, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	host, err := os.OpenFile(filepath.Join(dir, ep0Name), os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("open host side: %v", err)
	}
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	descs := []byte{1, 2, 3, 4}
	strs := []byte{5, 6}
	done := make(chan error, 1)
	go func() { done <- ch.WriteDescriptors(ctx, descs, strs) }()

	got := make([]byte, len(descs)+len(strs))
	if err := readFullHost(host, got); err != nil {
		t.Fatalf("read host: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteDescriptors: %v", err)
	}
	want := append(append([]byte{}, descs...), strs...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestReadEventRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ch, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	host, err := os.OpenFile(filepath.Join(dir, ep0Name), os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("open host side: %v", err)
	}
	defer host.Close()

	ev := channel.Event{Type: channel.EventEnable}
	var buf [channel.EventSize]byte
	ev.MarshalTo(buf[:])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeFullHost(host, buf[:])
	}()

	got, err := ch.ReadEvent(ctx)
	<-done
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if got.Type != channel.EventEnable {
		t.Errorf("Type = %v, want EventEnable", got.Type)
	}
}

func TestOpenEndpointUnknownIndex(t *testing.T) {
	dir := t.TempDir()
	ch, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	if _, err := ch.OpenEndpoint(9, channel.ModeRead); err == nil {
		t.Fatal("expected error for unknown endpoint index")
	}
}

func readFullHost(f *os.File, buf []byte) error {
	total := 0
	for total < len(buf) {
		f.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil && !os.IsTimeout(err) {
			return err
		}
	}
	return nil
}

func writeFullHost(f *os.File, buf []byte) error {
	written := 0
	for written < len(buf) {
		f.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := f.Write(buf[written:])
		written += n
		if err != nil && !os.IsTimeout(err) {
			return err
		}
	}
	return nil
}

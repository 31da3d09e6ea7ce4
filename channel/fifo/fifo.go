package fifo

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/anvilsec/evilmsc/channel"
	"github.com/anvilsec/evilmsc/internal/obs"
)

// ep0Name, ep1Name and ep2Name name the FunctionFS-shaped files this
// reference channel exposes:
// ep0 carries descriptors, strings, events, and class/control transfers;
// ep1/ep2 carry raw bulk IN/OUT bytes.
const (
	ep0Name = "ep0"
	ep1Name = "ep1"
	ep2Name = "ep2"
)

// pollInterval bounds how long a blocking FIFO read waits before re-checking
// ctx, mirroring the deadline-and-retry idiom a background reader thread
// uses to bridge a non-pollable descriptor into a cancellable Go call.
const pollInterval = 100 * time.Millisecond

// Channel implements channel.Channel over a directory of named pipes. Dir
// must already contain (or be creatable to contain) ep0, ep1, and ep2.
type Channel struct {
	dir string

	mu  sync.Mutex
	ep0 *os.File

	pendingSetup     channel.SetupPacket
	hasPendingSetup  bool
	pendingSetupData []byte
}

// New creates the FIFO files under dir (which is created if missing) and
// opens ep0 for bidirectional use.
func New(dir string) (*Channel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for _, name := range [...]string{ep0Name, ep1Name, ep2Name} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := syscall.Mkfifo(path, 0o666); err != nil {
				return nil, err
			}
		}
	}

	ep0, err := openFIFO(filepath.Join(dir, ep0Name))
	if err != nil {
		return nil, err
	}

	return &Channel{dir: dir, ep0: ep0}, nil
}

func openFIFO(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
}

// WriteDescriptors writes the descriptor blob followed by the strings blob
// to ep0, matching the write(2) sequence a real FunctionFS mount expects
// before any endpoint becomes usable.
func (c *Channel) WriteDescriptors(ctx context.Context, descriptors, strings []byte) error {
	if err := c.writeAll(ctx, c.ep0, descriptors); err != nil {
		return err
	}
	return c.writeAll(ctx, c.ep0, strings)
}

// ReadEvent blocks for the next usb_functionfs_event-shaped record on ep0.
func (c *Channel) ReadEvent(ctx context.Context) (channel.Event, error) {
	var buf [channel.EventSize]byte
	if err := c.readFull(ctx, c.ep0, buf[:]); err != nil {
		return channel.Event{}, err
	}

	var ev channel.Event
	if !channel.ParseEvent(buf[:], &ev) {
		return channel.Event{}, obs.ErrInvalidCBW
	}

	if ev.Type == channel.EventSetup {
		c.mu.Lock()
		c.pendingSetup = ev.Setup
		c.hasPendingSetup = true
		c.mu.Unlock()
	}
	return ev, nil
}

// RespondSetup answers the pending SETUP event. For an IN transfer, data is
// written to ep0 as the control response; nil/empty data (an OUT transfer or
// a zero-length IN) writes nothing to the FIFO.
func (c *Channel) RespondSetup(ctx context.Context, data []byte) error {
	c.mu.Lock()
	c.hasPendingSetup = false
	c.mu.Unlock()
	return c.writeAll(ctx, c.ep0, data)
}

// ReadSetupData reads the OUT data stage of the pending SETUP event from ep0.
func (c *Channel) ReadSetupData(ctx context.Context, buf []byte) (int, error) {
	return c.readSome(ctx, c.ep0, buf)
}

// OpenEndpoint opens ep1 (index 1) for writing or ep2 (index 2) for
// reading, matching this core's one-bulk-IN/one-bulk-OUT descriptor set.
func (c *Channel) OpenEndpoint(index int, mode channel.Mode) (io.ReadWriteCloser, error) {
	var name string
	switch index {
	case 1:
		name = ep1Name
	case 2:
		name = ep2Name
	default:
		return nil, obs.ErrInvalidCBW
	}

	f, err := openFIFO(filepath.Join(c.dir, name))
	if err != nil {
		return nil, err
	}
	return &endpointStream{f: f}, nil
}

// Close closes ep0 and removes the FIFO directory.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.ep0 != nil {
		err = c.ep0.Close()
		c.ep0 = nil
	}
	os.RemoveAll(c.dir)
	return err
}

// writeAll writes the whole of data to f, honoring ctx cancellation between
// chunks (a blocking FIFO write can stall indefinitely with no reader).
func (c *Channel) writeAll(ctx context.Context, f *os.File, data []byte) error {
	written := 0
	for written < len(data) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		f.SetWriteDeadline(time.Now().Add(pollInterval))
		n, err := f.Write(data[written:])
		written += n
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// readFull reads exactly len(buf) bytes from f, polling ctx between
// deadline-bounded reads.
func (c *Channel) readFull(ctx context.Context, f *os.File, buf []byte) error {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
	}
	return nil
}

// readSome reads whatever is available into buf, up to one poll interval.
func (c *Channel) readSome(ctx context.Context, f *os.File, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	f.SetReadDeadline(time.Now().Add(pollInterval))
	n, err := f.Read(buf)
	if err != nil && os.IsTimeout(err) {
		return n, nil
	}
	return n, err
}

// endpointStream adapts an *os.File with a background-reader-friendly,
// context-unaware io.ReadWriteCloser: bulk endpoint reads block the calling
// goroutine for the duration of the transfer, which is why function.Function
// runs its OUT reader on a dedicated goroutine rather than the command loop.
type endpointStream struct {
	f *os.File
}

func (e *endpointStream) Read(p []byte) (int, error)  { return e.f.Read(p) }
func (e *endpointStream) Write(p []byte) (int, error) { return e.f.Write(p) }
func (e *endpointStream) Close() error                { return e.f.Close() }

var _ channel.Channel = (*Channel)(nil)

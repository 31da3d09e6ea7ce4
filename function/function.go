// Package function drives the Mass-Storage Function lifecycle on top of a
// channel.Channel: it answers ep0 events, binds the FunctionFS descriptor and
// strings blobs, and, once enabled, runs the Bulk-Only Transport per-command
// loop against a scsi.Dispatcher. It is the only package that knows how a
// CBW's residue/phase-error bookkeeping (computed by scsi.BuildCSW) turns
// into actual bytes written to the bulk IN endpoint.
package function

import (
	"context"
	"io"
	"sync"

	"github.com/anvilsec/evilmsc/channel"
	"github.com/anvilsec/evilmsc/internal/obs"
	"github.com/anvilsec/evilmsc/scsi"
)

// Class-specific control requests defined by the Bulk-Only Transport spec.
const (
	reqGetMaxLUN = 0xFE
	reqBOTReset  = 0xFF
)

// maxControlOUT bounds how much of an unrecognized OUT control transfer's
// data stage this function drains before acknowledging it.
const maxControlOUT = 1000

// State is a position in the function's lifecycle.
type State int

// Lifecycle states, in the order a well-behaved host drives them.
const (
	StateCreated State = iota
	StateBoundDescriptors
	StateEnabled
	StateDisabled
	StateCleanedUp
)

// String names a State for logging.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBoundDescriptors:
		return "bound"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateCleanedUp:
		return "cleaned_up"
	default:
		return "unknown"
	}
}

// Function is one Mass-Storage Function instance: an ep0 event loop plus, for
// as long as the function is enabled, a bulk transport loop processing CBWs
// against a scsi.Dispatcher.
type Function struct {
	ch         channel.Channel
	dispatcher *scsi.Dispatcher
	metrics    *obs.Metrics

	strings []byte

	mu        sync.Mutex
	state     State
	epIn      io.WriteCloser
	epOut     io.ReadCloser
	queue     *byteQueue
	cancelRun context.CancelFunc
}

// New creates a Function over ch, dispatching every CBW to dispatcher. vendor
// and product populate the FunctionFS strings blob's one interface-name
// string.
func New(ch channel.Channel, dispatcher *scsi.Dispatcher, vendor, product string) *Function {
	return &Function{
		ch:         ch,
		dispatcher: dispatcher,
		strings:    BuildStrings(0x0409, vendor+" "+product),
		state:      StateCreated,
	}
}

// SetMetrics wires a *obs.Metrics into CSW status accounting.
func (f *Function) SetMetrics(m *obs.Metrics) {
	f.metrics = m
}

// State reports the function's current lifecycle state.
func (f *Function) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Bind writes the FunctionFS descriptor and strings blobs, retrying with the
// v1 header framing if the channel rejects v2.
func (f *Function) Bind(ctx context.Context) error {
	if err := f.ch.WriteDescriptors(ctx, BuildDescriptors(), f.strings); err != nil {
		obs.LogWarn(obs.ComponentFunction, "v2 descriptor bind failed, retrying v1", "error", err)
		if err := f.ch.WriteDescriptors(ctx, BuildDescriptorsV1(), f.strings); err != nil {
			return obs.ErrUnsupportedDescriptorVersion
		}
	}
	f.mu.Lock()
	f.state = StateBoundDescriptors
	f.mu.Unlock()
	obs.LogInfo(obs.ComponentFunction, "descriptors bound")
	return nil
}

// Run binds the function and then drives its ep0 event loop until ctx is
// cancelled, which is this function's process-level stop signal and tears
// down the whole stack: any enabled bulk transport loop is stopped and its
// endpoints closed before Run returns.
func (f *Function) Run(ctx context.Context) error {
	if err := f.Bind(ctx); err != nil {
		return err
	}
	defer f.disable()

	for {
		ev, err := f.ch.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := f.handleEvent(ctx, ev); err != nil {
			if err == obs.ErrLifecycleMisuse {
				return err
			}
			obs.LogWarn(obs.ComponentFunction, "event handling error", "event", ev.Type, "error", err)
		}
	}
}

// Close tears the function down, disabling its bulk transport if running.
func (f *Function) Close() error {
	f.disable()
	f.mu.Lock()
	f.state = StateCleanedUp
	f.mu.Unlock()
	return f.ch.Close()
}

func (f *Function) handleEvent(ctx context.Context, ev channel.Event) error {
	obs.LogDebug(obs.ComponentFunction, "ep0 event", "type", ev.Type)
	switch ev.Type {
	case channel.EventBind, channel.EventUnbind, channel.EventSuspend, channel.EventResume:
		return nil
	case channel.EventEnable:
		return f.enable()
	case channel.EventDisable:
		f.disable()
		return nil
	case channel.EventSetup:
		return f.handleSetup(ctx, ev.Setup)
	default:
		return nil
	}
}

// enable opens the bulk endpoints and starts the background OUT-reader
// bridge plus the command-processing loop. Enabling twice without an
// intervening DISABLE returns obs.ErrLifecycleMisuse, which Run treats as
// fatal: it returns the error and tears the function down.
func (f *Function) enable() error {
	f.mu.Lock()
	if f.state == StateEnabled {
		f.mu.Unlock()
		return obs.ErrLifecycleMisuse
	}

	epIn, err := f.ch.OpenEndpoint(1, channel.ModeWrite)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	epOut, err := f.ch.OpenEndpoint(2, channel.ModeRead)
	if err != nil {
		epIn.Close()
		f.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q := newByteQueue()

	f.epIn = epIn
	f.epOut = epOut
	f.queue = q
	f.cancelRun = cancel
	f.state = StateEnabled
	f.mu.Unlock()

	go f.bridgeOUT(runCtx, epOut, q)
	go f.commandLoop(runCtx, q)

	obs.LogInfo(obs.ComponentFunction, "function enabled")
	return nil
}

// disable stops the bulk transport loop and closes its endpoints. It is safe
// to call when already disabled.
func (f *Function) disable() {
	f.mu.Lock()
	if f.state != StateEnabled {
		f.mu.Unlock()
		return
	}
	cancel := f.cancelRun
	q := f.queue
	epIn := f.epIn
	epOut := f.epOut
	f.cancelRun = nil
	f.queue = nil
	f.epIn = nil
	f.epOut = nil
	f.state = StateDisabled
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if q != nil {
		q.close()
	}
	if epOut != nil {
		epOut.Close()
	}
	if epIn != nil {
		epIn.Close()
	}
	obs.LogInfo(obs.ComponentFunction, "function disabled")
}

// handleSetup answers one class-specific-interface control request
// (GET_MAX_LUN, Bulk-Only Mass Storage Reset) or falls through to a generic
// ep0 acknowledgement for anything else.
func (f *Function) handleSetup(ctx context.Context, setup channel.SetupPacket) error {
	if setup.Recipient() == channel.RecipientInterface && setup.Type() == channel.TypeClass {
		switch setup.Request {
		case reqGetMaxLUN:
			return f.ch.RespondSetup(ctx, []byte{f.dispatcher.MaxLUN()})
		case reqBOTReset:
			return f.handleReset(ctx)
		}
	}
	return f.genericSetup(ctx, setup)
}

// handleReset clears any OUT data buffered mid-command and resets sense
// state, matching the effect a Bulk-Only Mass Storage Reset has on a real
// device: the next CBW starts the command loop fresh.
func (f *Function) handleReset(ctx context.Context) error {
	f.mu.Lock()
	q := f.queue
	f.mu.Unlock()
	if q != nil {
		q.drain()
	}
	f.dispatcher.ResetSense()
	obs.LogInfo(obs.ComponentFunction, "Bulk-Only Mass Storage Reset")
	return f.ch.RespondSetup(ctx, nil)
}

// genericSetup acknowledges any control request this function does not
// otherwise recognize: an empty response for an IN transfer, or draining up
// to maxControlOUT bytes of an OUT transfer's data stage.
func (f *Function) genericSetup(ctx context.Context, setup channel.SetupPacket) error {
	if setup.DirectionIn() {
		return f.ch.RespondSetup(ctx, nil)
	}
	n := int(setup.Length)
	if n > maxControlOUT {
		n = maxControlOUT
	}
	buf := make([]byte, n)
	_, err := f.ch.ReadSetupData(ctx, buf)
	return err
}

// bridgeOUT is the background reader bridging the blocking bulk-OUT
// endpoint into the command loop's queue. One Read call is assumed to yield
// one host-issued transfer's worth of bytes, whether that is a 31-byte CBW
// or a chunk of WRITE(10) data.
func (f *Function) bridgeOUT(ctx context.Context, epOut io.Reader, q *byteQueue) {
	defer q.close()
	buf := make([]byte, scsi.MaxTransferSize)
	for {
		n, err := epOut.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			q.push(chunk)
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// commandLoop is the single runtime task consuming the OUT bridge's queue:
// each item starting in the AwaitCBW position is parsed as a fresh command.
func (f *Function) commandLoop(ctx context.Context, q *byteQueue) {
	for {
		chunk, ok := q.pop(ctx)
		if !ok {
			return
		}
		f.handleCBW(ctx, q, chunk)
	}
}

// handleCBW parses one CBW, collects any OUT data phase, dispatches to the
// scsi.Dispatcher, and responds with the data and status phases.
func (f *Function) handleCBW(ctx context.Context, q *byteQueue, data []byte) {
	var cbw scsi.CommandBlockWrapper
	if !scsi.ParseCBW(data, &cbw) {
		obs.LogWarn(obs.ComponentFunction, "framing error: not a valid CBW", "len", len(data))
		return
	}

	var outData []byte
	if !cbw.IsDataIn() && cbw.DataTransferLength > 0 {
		var ok bool
		outData, ok = f.collectOUT(ctx, q, cbw.DataTransferLength)
		if !ok {
			// Disabled or cancelled mid data phase: no CSW is sent.
			return
		}
	}

	inData, outcome := f.dispatcher.Dispatch(&cbw, outData)
	f.respond(ctx, &cbw, inData, outcome)
}

// collectOUT accumulates want bytes of OUT data phase from q, returning
// false if the queue closes (function disabled) before enough arrives.
func (f *Function) collectOUT(ctx context.Context, q *byteQueue, want uint32) ([]byte, bool) {
	buf := make([]byte, 0, want)
	for uint32(len(buf)) < want {
		chunk, ok := q.pop(ctx)
		if !ok {
			return nil, false
		}
		need := want - uint32(len(buf))
		if uint32(len(chunk)) > need {
			chunk = chunk[:need]
		}
		buf = append(buf, chunk...)
	}
	return buf, true
}

// respond applies the IN data phase's zero-pad/truncate rule, writes it (if
// any) to the bulk IN endpoint, then marshals and sends the CSW.
func (f *Function) respond(ctx context.Context, cbw *scsi.CommandBlockWrapper, inData []byte, outcome scsi.Outcome) {
	f.mu.Lock()
	epIn := f.epIn
	f.mu.Unlock()
	if epIn == nil {
		return
	}

	requested := cbw.DataTransferLength
	if cbw.IsDataIn() && requested > 0 {
		data := inData
		if uint32(len(data)) > requested {
			data = data[:requested]
		}
		if len(data) > 0 {
			if err := writeAll(ctx, epIn, data); err != nil {
				obs.LogWarn(obs.ComponentFunction, "IN data write failed", "error", err)
				return
			}
		}
		if pad := requested - uint32(len(data)); pad > 0 {
			if err := writeAll(ctx, epIn, make([]byte, pad)); err != nil {
				obs.LogWarn(obs.ComponentFunction, "IN pad write failed", "error", err)
				return
			}
		}
	}

	csw := scsi.BuildCSW(cbw.Tag, requested, outcome)
	f.metrics.ObserveStatus(csw.Status)

	var buf [scsi.CSWSize]byte
	n := csw.MarshalTo(buf[:])
	if err := writeAll(ctx, epIn, buf[:n]); err != nil {
		obs.LogWarn(obs.ComponentFunction, "CSW write failed", "error", err)
	}
}

// writeAll writes the whole of data to w, honoring ctx cancellation between
// short writes.
func writeAll(ctx context.Context, w io.Writer, data []byte) error {
	written := 0
	for written < len(data) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := w.Write(data[written:])
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

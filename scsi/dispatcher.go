package scsi

import (
	"encoding/binary"
	"sync"

	"github.com/anvilsec/evilmsc/block"
	"github.com/anvilsec/evilmsc/internal/obs"
)

// WritePerm controls how the dispatcher handles WRITE(10) once its
// interceptors have observed the incoming data.
type WritePerm int

// Write permission policies.
const (
	WriteAllow WritePerm = iota // write reaches the backing image
	WriteDeny                   // write fails with DATA_PROTECT sense
	WriteDrop                   // write reports success but is never applied
)

// ReadInterceptor may supply the bytes for a READ(10) before the backing
// image is consulted. Returning nil declines and falls through to storage.
// The first interceptor to return non-nil wins.
type ReadInterceptor func(lba uint64, count uint32) []byte

// WriteInterceptor observes (but cannot alter) the data of a WRITE(10)
// before the WritePerm policy is applied.
type WriteInterceptor func(lba uint64, count uint32, data []byte)

// Dispatcher implements the documented SCSI Transparent Command Set subset
// over a block.Image: TEST_UNIT_READY, REQUEST_SENSE, INQUIRY,
// MODE_SENSE(6), READ_CAPACITY(10), READ(10), WRITE(10). Dispatch is meant
// to be called only from the single command-processing goroutine described
// by the BBB framer's concurrency model; it does not lock around storage
// access.
type Dispatcher struct {
	mu sync.Mutex

	storage block.Image
	inquiry InquiryResponse
	sense   senseState
	maxLUN  uint8

	writePerm         WritePerm
	readInterceptors  []ReadInterceptor
	writeInterceptors []WriteInterceptor

	turFail  bool
	turSense [3]uint8 // key, asc, ascq injected by FailTestUnitReady

	metrics *obs.Metrics

	dataBuf  [MaxTransferSize]byte
	senseBuf [requestSenseSize]byte
}

// New creates a Dispatcher over storage, reporting the given vendor/product
// strings in INQUIRY responses.
func New(storage block.Image, removable bool, vendor, product string) *Dispatcher {
	d := &Dispatcher{
		storage: storage,
		inquiry: *NewInquiryResponse(removable, vendor, product, "1.0"),
	}
	d.sense.clear()
	return d
}

// SetMaxLUN sets the maximum Logical Unit Number (0-15) this unit reports.
func (d *Dispatcher) SetMaxLUN(lun uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lun <= 15 {
		d.maxLUN = lun
	}
}

// SetWritePermission installs the policy WRITE(10) enforces after its
// interceptors run.
func (d *Dispatcher) SetWritePermission(p WritePerm) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writePerm = p
}

// AddReadInterceptor appends fn to the list consulted before every READ(10).
func (d *Dispatcher) AddReadInterceptor(fn ReadInterceptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readInterceptors = append(d.readInterceptors, fn)
}

// AddWriteInterceptor appends fn to the list notified of every WRITE(10)
// before the write-permission policy runs.
func (d *Dispatcher) AddWriteInterceptor(fn WriteInterceptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeInterceptors = append(d.writeInterceptors, fn)
}

// SetMetrics wires a *obs.Metrics into command/byte accounting. A nil
// Metrics (the default) disables accounting.
func (d *Dispatcher) SetMetrics(m *obs.Metrics) {
	d.metrics = m
}

// ResetSense clears sense state back to NO SENSE, as a Bulk-Only Mass
// Storage Reset would.
func (d *Dispatcher) ResetSense() {
	d.sense.clear()
}

// FailTestUnitReady arms a test hook: every subsequent
// TEST_UNIT_READY fails and reports the given sense triple, until
// ClearTestUnitReadyFailure is called. It exists for scenarios that need to
// make the unit appear not-ready on demand.
func (d *Dispatcher) FailTestUnitReady(key, asc, ascq uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turFail = true
	d.turSense = [3]uint8{key, asc, ascq}
}

// ClearTestUnitReadyFailure disarms FailTestUnitReady, so TEST_UNIT_READY
// reports ready again.
func (d *Dispatcher) ClearTestUnitReadyFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turFail = false
}

// MaxLUN returns the maximum Logical Unit Number this unit reports.
func (d *Dispatcher) MaxLUN() uint8 {
	return d.maxLUN
}

// Dispatch executes the command named by cbw. outData carries the bytes the
// host already sent in an OUT data phase (ignored for IN/no-data commands);
// it is nil otherwise. On return, inData is the data to send for an IN
// phase (nil for OUT/no-data commands) and outcome.Produced is always the
// number of bytes actually moved, in either direction, which the framer
// uses to compute residue and phase-error status.
func (d *Dispatcher) Dispatch(cbw *CommandBlockWrapper, outData []byte) (inData []byte, outcome Outcome) {
	opcode := cbw.CB[0]

	obs.LogDebug(obs.ComponentSCSI, "SCSI command", "opcode", opcode, "lun", cbw.LUN)
	if d.metrics != nil {
		d.metrics.ObserveCommand(opcode)
	}

	if cbw.LUN > d.maxLUN {
		d.sense.set(SenseIllegalRequest, ASCInvalidFieldInCDB, ASCQNone)
		return nil, Outcome{Failed: true}
	}

	switch opcode {
	case OpTestUnitReady:
		return nil, d.handleTestUnitReady()
	case OpRequestSense:
		return d.handleRequestSense(cbw)
	case OpInquiry:
		return d.handleInquiry(cbw)
	case OpReadCapacity10:
		return d.handleReadCapacity10(cbw)
	case OpRead10:
		return d.handleRead10(cbw)
	case OpWrite10:
		return nil, d.handleWrite10(cbw, outData)
	case OpModeSense6:
		return d.handleModeSense6(cbw)
	default:
		obs.LogWarn(obs.ComponentSCSI, "unsupported SCSI command", "opcode", opcode)
		d.sense.set(SenseIllegalRequest, ASCInvalidCommand, ASCQNone)
		return nil, Outcome{Failed: true}
	}
}

// handleTestUnitReady reports ready unless FailTestUnitReady has armed an
// injected failure. It never touches sense state on its own: sense is set
// only on an actual command failure and cleared only by REQUEST_SENSE, so a
// TUR between a failed command and its REQUEST_SENSE must not erase the
// sense the host is about to read.
func (d *Dispatcher) handleTestUnitReady() Outcome {
	if d.turFail {
		d.sense.set(d.turSense[0], d.turSense[1], d.turSense[2])
		return Outcome{Failed: true}
	}
	return Outcome{}
}

func (d *Dispatcher) handleRequestSense(cbw *CommandBlockWrapper) ([]byte, Outcome) {
	allocLength := cbw.CB[4]
	if allocLength == 0 {
		allocLength = requestSenseSize
	}

	resp := NewRequestSenseResponse(d.sense.key, d.sense.asc, d.sense.ascq)
	n := resp.MarshalTo(d.senseBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	d.sense.clear()
	return d.senseBuf[:sendLen], Outcome{Produced: uint32(sendLen)}
}

// handleInquiry fails EVPD requests explicitly rather than leaving the host
// waiting on a response that never comes.
func (d *Dispatcher) handleInquiry(cbw *CommandBlockWrapper) ([]byte, Outcome) {
	evpd := cbw.CB[1]&0x01 != 0
	if evpd {
		d.sense.set(SenseIllegalRequest, ASCInvalidFieldInCDB, ASCQNone)
		return nil, Outcome{Failed: true}
	}

	allocLength := parseU16BE(cbw.CB[:], 3)
	n := d.inquiry.MarshalTo(d.dataBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}
	return d.dataBuf[:sendLen], Outcome{Produced: uint32(sendLen)}
}

// handleReadCapacity10 fails when PMI is set, since this emulator only ever
// reports the media's actual current capacity. It also fails when the
// capacity doesn't fit in the 32-bit LastLBA field: this core does not
// implement READ_CAPACITY(16)/SERVICE_ACTION_IN(16), so there is no way to
// report a larger capacity correctly.
func (d *Dispatcher) handleReadCapacity10(cbw *CommandBlockWrapper) ([]byte, Outcome) {
	pmi := cbw.CB[8]&0x01 != 0
	if pmi {
		d.sense.set(SenseIllegalRequest, ASCInvalidFieldInCDB, ASCQNone)
		return nil, Outcome{Failed: true}
	}

	blockCount := d.storage.Capacity()
	blockSize := d.storage.BlockSize()

	if blockCount-1 >= 0xFFFFFFFF {
		d.sense.set(SenseIllegalRequest, ASCInvalidFieldInCDB, ASCQNone)
		return nil, Outcome{Failed: true}
	}

	resp := ReadCapacity10Response{LastLBA: uint32(blockCount - 1), BlockLength: blockSize}
	n := resp.MarshalTo(d.dataBuf[:])
	return d.dataBuf[:n], Outcome{Produced: uint32(n)}
}

func (d *Dispatcher) handleRead10(cbw *CommandBlockWrapper) ([]byte, Outcome) {
	lba := uint64(parseU32BE(cbw.CB[:], 2))
	blocks := parseU16BE(cbw.CB[:], 7)
	if blocks == 0 {
		return nil, Outcome{}
	}

	blockSize := d.storage.BlockSize()
	length := uint32(blocks) * blockSize

	if lba+uint64(blocks) > d.storage.Capacity() {
		d.sense.set(SenseIllegalRequest, ASCLBAOutOfRange, ASCQNone)
		return nil, Outcome{Failed: true}
	}
	if length > MaxTransferSize {
		d.sense.set(SenseIllegalRequest, ASCInvalidFieldInCDB, ASCQNone)
		return nil, Outcome{Failed: true}
	}

	obs.LogDebug(obs.ComponentSCSI, "READ(10)", "lba", lba, "blocks", blocks)

	for _, intercept := range d.readInterceptors {
		data := intercept(lba, uint32(blocks))
		if data == nil {
			continue
		}
		n := uint32(copy(d.dataBuf[:length], data))
		if d.metrics != nil {
			d.metrics.ObserveRead(int(n))
		}
		return d.dataBuf[:n], Outcome{Produced: n}
	}

	got, err := d.storage.ReadBlocks(lba, uint32(blocks), d.dataBuf[:length])
	if err != nil {
		obs.LogWarn(obs.ComponentSCSI, "read error", "error", err)
		d.sense.set(SenseHardwareError, ASCNoAdditionalInfo, ASCQNone)
		return nil, Outcome{Failed: true}
	}

	n := got * blockSize
	if d.metrics != nil {
		d.metrics.ObserveRead(int(n))
	}
	return d.dataBuf[:n], Outcome{Produced: n}
}

// handleWrite10 always runs write interceptors over the full received data
// before consulting the write-permission policy, so a DENY or DROP policy
// cannot prevent an interceptor from observing (e.g. logging) the write.
//
// Produced here tracks the OUT data phase, not the backing store: the host
// has already handed over cbw.DataTransferLength bytes before this handler
// runs, so that many bytes were "produced" regardless of whether the write
// is denied or fails. Only an actually short OUT data phase should move the
// residue off zero.
func (d *Dispatcher) handleWrite10(cbw *CommandBlockWrapper, outData []byte) Outcome {
	lba := uint64(parseU32BE(cbw.CB[:], 2))
	blocks := parseU16BE(cbw.CB[:], 7)
	if blocks == 0 {
		return Outcome{}
	}

	requested := cbw.DataTransferLength
	blockSize := d.storage.BlockSize()
	length := uint32(blocks) * blockSize

	if lba+uint64(blocks) > d.storage.Capacity() {
		d.sense.set(SenseIllegalRequest, ASCLBAOutOfRange, ASCQNone)
		return Outcome{Produced: requested, Failed: true}
	}
	if uint32(len(outData)) < length {
		d.sense.set(SenseHardwareError, ASCNoAdditionalInfo, ASCQNone)
		return Outcome{Produced: uint32(len(outData)), Failed: true}
	}
	data := outData[:length]

	obs.LogDebug(obs.ComponentSCSI, "WRITE(10)", "lba", lba, "blocks", blocks)

	for _, intercept := range d.writeInterceptors {
		intercept(lba, uint32(blocks), data)
	}

	switch d.writePerm {
	case WriteDeny:
		d.sense.set(SenseDataProtect, ASCWriteProtected, ASCQWriteProtected)
		return Outcome{Produced: requested, Failed: true}
	case WriteDrop:
		return Outcome{Produced: requested}
	}

	got, err := d.storage.WriteBlocks(lba, uint32(blocks), data)
	if err != nil {
		obs.LogWarn(obs.ComponentSCSI, "write error", "error", err)
		d.sense.set(SenseHardwareError, ASCNoAdditionalInfo, ASCQNone)
		return Outcome{Produced: requested, Failed: true}
	}

	if d.metrics != nil {
		d.metrics.ObserveWrite(int(got * blockSize))
	}
	return Outcome{Produced: requested}
}

func (d *Dispatcher) handleModeSense6(cbw *CommandBlockWrapper) ([]byte, Outcome) {
	allocLength := cbw.CB[4]

	resp := ModeSense6Response{ModeDataLength: 3}
	n := resp.MarshalTo(d.dataBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}
	return d.dataBuf[:sendLen], Outcome{Produced: uint32(sendLen)}
}

func parseU16BE(data []byte, offset int) uint16 {
	if offset+2 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint16(data[offset:])
}

func parseU32BE(data []byte, offset int) uint32 {
	if offset+4 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint32(data[offset:])
}

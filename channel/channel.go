package channel

import (
	"context"
	"encoding/binary"
	"io"
)

// Mode selects the direction an endpoint is opened for.
type Mode int

// Endpoint open modes.
const (
	ModeRead Mode = iota
	ModeWrite
)

// EventType identifies a FunctionFS ep0 event, per usb_functionfs_event.type.
type EventType uint8

// FunctionFS event types.
const (
	EventBind EventType = iota
	EventUnbind
	EventEnable
	EventDisable
	EventSetup
	EventSuspend
	EventResume
)

// String names an EventType for logging.
func (t EventType) String() string {
	switch t {
	case EventBind:
		return "BIND"
	case EventUnbind:
		return "UNBIND"
	case EventEnable:
		return "ENABLE"
	case EventDisable:
		return "DISABLE"
	case EventSetup:
		return "SETUP"
	case EventSuspend:
		return "SUSPEND"
	case EventResume:
		return "RESUME"
	default:
		return "UNKNOWN"
	}
}

// SetupPacket is a USB control request, usb_ctrlrequest-shaped: 8 bytes,
// little-endian wValue/wIndex/wLength.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// SetupPacketSize is the wire size of a SetupPacket.
const SetupPacketSize = 8

// Recipient bits of bRequestType.
const (
	RecipientMask      = 0x1F
	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
)

// Type bits of bRequestType.
const (
	TypeMask     = 0x60
	TypeStandard = 0x00
	TypeClass    = 0x20
	TypeVendor   = 0x40
)

// DirectionIn reports whether bRequestType indicates a device-to-host
// control transfer.
func (s *SetupPacket) DirectionIn() bool { return s.RequestType&0x80 != 0 }

// Recipient returns the bRequestType recipient bits.
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & RecipientMask }

// Type returns the bRequestType type bits.
func (s *SetupPacket) Type() uint8 { return s.RequestType & TypeMask }

// ParseSetupPacket decodes a SetupPacket from an 8-byte usb_ctrlrequest.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return true
}

// MarshalTo encodes the SetupPacket to buf, 8 bytes, little-endian.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Event is one record read from the ep0 event stream: a control request
// plus the FunctionFS event type that frames it. Setup is only meaningful
// when Type == EventSetup.
type Event struct {
	Type  EventType
	Setup SetupPacket
}

// EventSize is the wire size of one usb_functionfs_event record: an 8-byte
// usb_ctrlrequest, one type byte, and 3 bytes of padding.
const EventSize = SetupPacketSize + 4

// ParseEvent decodes one Event from an EventSize-byte record.
func ParseEvent(data []byte, out *Event) bool {
	if len(data) < EventSize {
		return false
	}
	if !ParseSetupPacket(data[:SetupPacketSize], &out.Setup) {
		return false
	}
	out.Type = EventType(data[SetupPacketSize])
	return true
}

// MarshalTo encodes the Event to buf, EventSize bytes.
func (e *Event) MarshalTo(buf []byte) int {
	if len(buf) < EventSize {
		return 0
	}
	e.Setup.MarshalTo(buf[:SetupPacketSize])
	buf[SetupPacketSize] = byte(e.Type)
	buf[SetupPacketSize+1] = 0
	buf[SetupPacketSize+2] = 0
	buf[SetupPacketSize+3] = 0
	return EventSize
}

// Channel is the abstract collaborator a Mass-Storage Function consumes for
// all I/O with its host. It stands in for the mechanism that binds the
// function to a host kernel's USB gadget framework (FunctionFS mount,
// configfs, module loading) — the function package never talks to that
// mechanism directly.
type Channel interface {
	// WriteDescriptors sends the FunctionFS descriptor and strings blobs
	// that BIND the function's interface and endpoints. Called once, before
	// any endpoint is opened.
	WriteDescriptors(ctx context.Context, descriptors, strings []byte) error

	// ReadEvent blocks for the next ep0 event (BIND/ENABLE/DISABLE/SETUP/
	// SUSPEND/RESUME), or returns an error if the channel is closed or ctx
	// is done.
	ReadEvent(ctx context.Context) (Event, error)

	// RespondSetup answers a pending control transfer named by the most
	// recently read SETUP event: data is sent for an IN transfer; nil/empty
	// data acknowledges with a zero-length status stage.
	RespondSetup(ctx context.Context, data []byte) error

	// ReadSetupData reads up to len(buf) bytes of an OUT control transfer's
	// data stage named by the most recently read SETUP event.
	ReadSetupData(ctx context.Context, buf []byte) (int, error)

	// OpenEndpoint opens the bulk endpoint numbered index (1-based, as in
	// the FunctionFS descriptor set) for reading or writing raw bytes.
	OpenEndpoint(index int, mode Mode) (io.ReadWriteCloser, error)

	// Close releases the channel and any endpoints still open on it.
	Close() error
}

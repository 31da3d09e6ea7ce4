package scsi

import (
	"encoding/binary"
)

// CommandBlockWrapper is the 31-byte Command Block Wrapper the host sends
// to open a Bulk-Only Transport command.
type CommandBlockWrapper struct {
	Signature          uint32
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	CBLength           uint8
	CB                 [16]byte
}

// ParseCBW parses a CommandBlockWrapper from data. Returns false if data is
// too short or the signature does not match.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) < CBWSize {
		return false
	}
	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CBWSignature {
		return false
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = data[14] & 0x1F
	copy(out.CB[:], data[15:31])
	return true
}

// IsDataIn reports whether the data phase is device-to-host.
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// CommandStatusWrapper is the 13-byte Command Status Wrapper sent back to
// the host once a command completes.
type CommandStatusWrapper struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// MarshalTo writes the CSW to buf. Returns the number of bytes written, or
// 0 if buf is too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], csw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = csw.Status
	return CSWSize
}

// Outcome is what a per-command handler reports back to the framer: how
// much data it actually moved and whether the command itself succeeded or
// failed (independent of any residue the framer computes).
type Outcome struct {
	Produced uint32 // bytes actually transferred by the handler
	Failed   bool   // true if the command itself failed (sense data is set)
}

// BuildCSW applies the one residue/phase-error rule used for every command,
// rather than each handler computing it ad hoc:
//
//   - produced < requested: pad with zeros up to requested (handled by the
//     transport layer that writes the data phase, not here), residue =
//     requested - produced, status unchanged.
//   - produced > requested: truncate to requested, status forced to
//     PHASE_ERROR, residue = 0.
//   - produced == requested: residue = 0, status unchanged.
func BuildCSW(tag uint32, requested uint32, out Outcome) *CommandStatusWrapper {
	status := uint8(CSWStatusGood)
	if out.Failed {
		status = CSWStatusFailed
	}

	var residue uint32
	switch {
	case out.Produced > requested:
		status = CSWStatusPhaseError
		residue = 0
	case out.Produced < requested:
		residue = requested - out.Produced
	default:
		residue = 0
	}

	return &CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         tag,
		DataResidue: residue,
		Status:      status,
	}
}

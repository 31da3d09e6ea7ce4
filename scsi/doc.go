// Package scsi implements the Bulk-Only Transport framing (CBW/CSW) and the
// Transparent SCSI Command Set subset documented for this emulator: TEST
// UNIT READY, REQUEST SENSE, INQUIRY, MODE SENSE(6), READ CAPACITY(10),
// READ(10), and WRITE(10). No other opcode is dispatched.
package scsi

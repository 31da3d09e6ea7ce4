// Package fifo is a reference channel.Channel backed by named pipes. It
// exists for local integration testing and the demonstration binaries in
// cmd/: it speaks the same descriptor/event/bulk-byte framing a real
// FunctionFS mount would, over three FIFOs (ep0, ep1, ep2) instead of
// kernel-backed files, so the rest of the stack — function, scsi, block —
// runs unmodified against either.
package fifo

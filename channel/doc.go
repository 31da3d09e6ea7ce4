// Package channel abstracts the endpoint I/O a Mass-Storage Function needs
// from its USB gadget provider: a control-event source (ep0) and raw byte
// streams for the bulk IN/OUT endpoints. The function package depends only
// on this interface, never on a concrete gadget transport, so the same
// state machine runs unchanged against the FunctionFS-shaped FIFO reference
// implementation in channel/fifo or against a real gadgetfs/functionfs mount
// on Linux.
package channel

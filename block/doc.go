// Package block implements the composable block-storage backends exposed to
// the SCSI layer through the Image interface: plain files, memory-mapped
// files, in-memory buffers, a copy-on-write overlay, a TOCTOU-capable image
// toggle, a per-range read override, and a binary I/O logger. Each decorator
// wraps an inner Image and can be layered freely, e.g.
//
//	IOLogger(ToggleImage(COWImage(mmapA), COWImage(mmapB)))
package block

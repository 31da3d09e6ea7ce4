// Package obs holds the ambient observability stack shared by every other
// package in this module: structured logging, sentinel errors, and
// Prometheus metrics. Nothing here is specific to USB or SCSI semantics.
package obs

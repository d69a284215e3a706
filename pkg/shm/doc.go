// Package shm provides the shared memory region the IPC instances are carved
// from and the reference-counted buffer pool used for decoded payloads.
//
// The region is instrumented with OpenTelemetry metrics and tracing (OTel Go SDK v1.30.0).
// Platform-specific helpers are in internal/shm.
//
// Example usage:
//
//	region, err := shm.Open(ctx, shm.OpenOptions{
//	  Name:   "amp-ipc",
//	  Size:   65536,
//	  Create: true,
//	})
//	// ...
//	mem, err := region.Slot(slot)
package shm

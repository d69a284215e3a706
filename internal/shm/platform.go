// Package shm contains platform-specific helpers for mapping the shared memory region.
package shm

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by MapRegion on platforms without a file-backed
// shared memory implementation.
var ErrUnsupported = errors.New("shared memory mapping not supported on this platform")

// ErrNoSpace is returned when the backing filesystem cannot hold the region.
var ErrNoSpace = errors.New("not enough free space for shared memory region")

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Path string

	fd     int
	mapped bool
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	// Name is the file name under Dir. An empty name maps anonymous heap
	// memory, which is only shared between goroutines of one process.
	Name string
	// Dir defaults to /dev/shm.
	Dir    string
	Size   int
	Create bool
}

// DefaultDir is where named regions live.
const DefaultDir = "/dev/shm"

func mapHeap(_ context.Context, opts MapOptions) (*MappedRegion, error) {
	return &MappedRegion{Addr: make([]byte, opts.Size), fd: -1}, nil
}

// MapRegion maps or creates a shared memory region.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, errors.New("invalid region size")
	}
	if opts.Name == "" {
		return mapHeap(ctx, opts)
	}
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	return mapFile(ctx, opts)
}

// UnmapRegion unmaps and closes the shared memory region. Heap regions are
// simply dropped.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if !region.mapped {
		region.Addr = nil
		return nil
	}
	return unmapFile(ctx, region)
}

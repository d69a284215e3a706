//go:build !linux

package shm

import "context"

func mapFile(_ context.Context, _ MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

func unmapFile(_ context.Context, _ *MappedRegion) error {
	return ErrUnsupported
}

//go:build linux

package shm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// canCreateOnDevShm reports whether size bytes fit on the filesystem backing path.
// Only /dev/shm is checked, other locations always report true.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, DefaultDir) {
		return true
	}
	stat, err := disk.Usage(DefaultDir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}

func mapFile(_ context.Context, opts MapOptions) (*MappedRegion, error) {
	path := filepath.Join(opts.Dir, opts.Name)
	flags := unix.O_RDWR
	if opts.Create {
		if !canCreateOnDevShm(uint64(opts.Size), path) {
			return nil, fmt.Errorf("%w: path %s size %d", ErrNoSpace, path, opts.Size)
		}
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("fstat: %w", err)
		}
		if st.Size < int64(opts.Size) {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("region %s is %d bytes, want %d", path, st.Size, opts.Size)
		}
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Path: path, fd: fd, mapped: true}, nil
}

func unmapFile(_ context.Context, region *MappedRegion) error {
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if err := unix.Close(region.fd); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	region.fd = -1
	return nil
}

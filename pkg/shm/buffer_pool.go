package shm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNoBuffers is returned when every buffer that could hold the request is in use.
	ErrNoBuffers = errors.New("no free buffer slice")
	// ErrBufferTooLarge is returned for requests above the largest size class.
	ErrBufferTooLarge = errors.New("requested size exceeds largest buffer class")
	// ErrDoubleRelease is returned when a buffer is released more times than referenced.
	ErrDoubleRelease = errors.New("buffer released twice")
)

// SizePercentPair describes a buffer list's specification: buffers of Size
// bytes taking Percent of the manager's capacity.
type SizePercentPair struct {
	Size    uint32
	Percent uint32
}

// DefaultLayout fits HCI traffic: mostly short commands and events, some
// full-size ACL frames.
var DefaultLayout = []SizePercentPair{
	{Size: 64, Percent: 25},
	{Size: 256, Percent: 25},
	{Size: 512, Percent: 50},
}

// BufferSlice is a pooled buffer. It starts with one reference owned by the
// caller of Alloc and returns to its pool when the last reference is released.
type BufferSlice struct {
	Data   []byte
	Offset uint32
	Cap    uint32

	refs  atomic.Int32
	class int
	bm    *BufferManager
}

// Ref adds a reference.
func (s *BufferSlice) Ref() {
	s.refs.Add(1)
}

// Release drops a reference and recycles the buffer on the last one.
func (s *BufferSlice) Release() error {
	switch n := s.refs.Add(-1); {
	case n > 0:
		return nil
	case n == 0:
		s.bm.recycle(s)
		return nil
	default:
		s.refs.Add(1)
		return ErrDoubleRelease
	}
}

type bufferList struct {
	size uint32
	all  []*BufferSlice
	free []*BufferSlice
}

// BufferManager manages pools of BufferSlices of different sizes carved from
// one slab.
type BufferManager struct {
	mu    sync.Mutex
	lists []*bufferList // ascending by size
	mem   []byte
}

// NewBufferManager creates a BufferManager of capacity bytes split by layout.
func NewBufferManager(capacity uint32, layout []SizePercentPair) (*BufferManager, error) {
	if len(layout) == 0 {
		return nil, errors.New("empty buffer layout")
	}
	pairs := append([]SizePercentPair(nil), layout...)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Size < pairs[j].Size })

	var percent uint32
	counts := make([]uint64, len(pairs))
	var total uint64
	for i, p := range pairs {
		if p.Size == 0 {
			return nil, errors.New("buffer size must be positive")
		}
		if i > 0 && p.Size == pairs[i-1].Size {
			return nil, fmt.Errorf("duplicate buffer size %d", p.Size)
		}
		percent += p.Percent
		counts[i] = uint64(capacity) * uint64(p.Percent) / 100 / uint64(p.Size)
		if counts[i] == 0 {
			return nil, fmt.Errorf("buffer class %d gets no buffers from capacity %d", p.Size, capacity)
		}
		total += counts[i] * uint64(p.Size)
	}
	if percent > 100 {
		return nil, fmt.Errorf("buffer layout percentages sum to %d", percent)
	}

	bm := &BufferManager{mem: make([]byte, total)}
	offset := uint32(0)
	for i, p := range pairs {
		l := &bufferList{size: p.Size}
		for j := uint64(0); j < counts[i]; j++ {
			s := &BufferSlice{
				Data:   bm.mem[offset : offset+p.Size : offset+p.Size],
				Offset: offset,
				Cap:    p.Size,
				class:  i,
				bm:     bm,
			}
			l.all = append(l.all, s)
			l.free = append(l.free, s)
			offset += p.Size
		}
		bm.lists = append(bm.lists, l)
	}
	return bm, nil
}

// Alloc returns a buffer of at least size bytes from the smallest class that
// has one free. Data is sliced to size.
func (bm *BufferManager) Alloc(size uint32) (*BufferSlice, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if size > bm.lists[len(bm.lists)-1].size {
		return nil, fmt.Errorf("%w: %d bytes", ErrBufferTooLarge, size)
	}
	for _, l := range bm.lists {
		if l.size < size || len(l.free) == 0 {
			continue
		}
		s := l.free[len(l.free)-1]
		l.free = l.free[:len(l.free)-1]
		s.Data = s.Data[:size]
		s.refs.Store(1)
		return s, nil
	}
	return nil, ErrNoBuffers
}

func (bm *BufferManager) recycle(s *BufferSlice) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	l := bm.lists[s.class]
	s.Data = s.Data[:0]
	l.free = append(l.free, s)
}

// Stats returns the number of free slices for each size.
func (bm *BufferManager) Stats() map[uint32]int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	stats := make(map[uint32]int, len(bm.lists))
	for _, l := range bm.lists {
		stats[l.size] = len(l.free)
	}
	return stats
}

// Free returns the total number of free slices.
func (bm *BufferManager) Free() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	n := 0
	for _, l := range bm.lists {
		n += len(l.free)
	}
	return n
}

// Cap returns the total number of slices.
func (bm *BufferManager) Cap() int {
	n := 0
	for _, l := range bm.lists {
		n += len(l.all)
	}
	return n
}

package shm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/amp-ipc/pkg/layout"
)

type BufferManagerTestSuite struct {
	suite.Suite
	bm *BufferManager
}

func (s *BufferManagerTestSuite) SetupTest() {
	bm, err := NewBufferManager(4096, []SizePercentPair{
		{Size: 512, Percent: 50},
		{Size: 64, Percent: 50},
	})
	s.Require().NoError(err)
	s.bm = bm
}

func (s *BufferManagerTestSuite) TestLayout() {
	s.Equal(map[uint32]int{64: 32, 512: 4}, s.bm.Stats())
	s.Equal(36, s.bm.Cap())
	s.Equal(36, s.bm.Free())
}

func (s *BufferManagerTestSuite) TestAllocPicksSmallestClass() {
	b, err := s.bm.Alloc(10)
	s.Require().NoError(err)
	s.Len(b.Data, 10)
	s.Equal(uint32(64), b.Cap)

	b2, err := s.bm.Alloc(65)
	s.Require().NoError(err)
	s.Equal(uint32(512), b2.Cap)

	_, err = s.bm.Alloc(513)
	s.ErrorIs(err, ErrBufferTooLarge)

	s.NoError(b.Release())
	s.NoError(b2.Release())
	s.Equal(36, s.bm.Free())
}

func (s *BufferManagerTestSuite) TestFallsBackToLargerClass() {
	var held []*BufferSlice
	for i := 0; i < 32; i++ {
		b, err := s.bm.Alloc(64)
		s.Require().NoError(err)
		held = append(held, b)
	}
	b, err := s.bm.Alloc(1)
	s.Require().NoError(err)
	s.Equal(uint32(512), b.Cap)
	held = append(held, b)

	for i := 0; i < 3; i++ {
		b, err := s.bm.Alloc(1)
		s.Require().NoError(err)
		held = append(held, b)
	}
	_, err = s.bm.Alloc(1)
	s.ErrorIs(err, ErrNoBuffers)

	for _, b := range held {
		s.NoError(b.Release())
	}
	s.Equal(36, s.bm.Free())
}

func (s *BufferManagerTestSuite) TestRefCounting() {
	b, err := s.bm.Alloc(100)
	s.Require().NoError(err)
	b.Ref()
	s.NoError(b.Release())
	s.Equal(3, s.bm.Stats()[512])
	s.NoError(b.Release())
	s.Equal(4, s.bm.Stats()[512])
	s.ErrorIs(b.Release(), ErrDoubleRelease)
	s.Equal(4, s.bm.Stats()[512])
}

func (s *BufferManagerTestSuite) TestConcurrentAllocRelease() {
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b, err := s.bm.Alloc(32)
				if err != nil {
					continue
				}
				b.Data[0] = byte(i)
				_ = b.Release()
			}
		}()
	}
	wg.Wait()
	s.Equal(36, s.bm.Free())
}

func TestBufferManagerTestSuite(t *testing.T) {
	suite.Run(t, new(BufferManagerTestSuite))
}

func TestNewBufferManagerRejectsBadLayout(t *testing.T) {
	_, err := NewBufferManager(4096, nil)
	assert.Error(t, err)
	_, err = NewBufferManager(4096, []SizePercentPair{{Size: 64, Percent: 60}, {Size: 128, Percent: 60}})
	assert.Error(t, err)
	_, err = NewBufferManager(4096, []SizePercentPair{{Size: 64, Percent: 50}, {Size: 64, Percent: 10}})
	assert.Error(t, err)
	_, err = NewBufferManager(100, []SizePercentPair{{Size: 512, Percent: 100}})
	assert.Error(t, err)
}

func TestRegionSlot(t *testing.T) {
	ctx := context.Background()
	size := 2 * layout.InstanceSize(8)
	r, err := Open(ctx, OpenOptions{Base: 0x1000, Size: int(size) + 1})
	require.NoError(t, err)
	defer r.Close()

	slots, err := layout.Plan(r.Layout(), 2)
	require.NoError(t, err)
	require.Equal(t, 8, slots[1].RingSize)

	mem0, err := r.Slot(slots[0])
	require.NoError(t, err)
	mem1, err := r.Slot(slots[1])
	require.NoError(t, err)
	assert.Len(t, mem1, int(layout.InstanceSize(8)))

	mem1[0] = 0xaa
	assert.Equal(t, byte(0xaa), r.Bytes()[layout.InstanceSize(8)])
	mem0 = append(mem0, 1)
	assert.Equal(t, byte(0xaa), mem1[0], "slot slices must not grow into a neighbour")

	_, err = r.Slot(layout.Slot{Base: 0x1000 + size, Size: 16})
	assert.Error(t, err)
	_, err = r.Slot(layout.Slot{Base: 0x10, Size: 16})
	assert.Error(t, err)

	require.NoError(t, r.Close())
	_, err = r.Slot(slots[0])
	assert.ErrorIs(t, err, ErrClosed)
}

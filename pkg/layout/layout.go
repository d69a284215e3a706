/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package layout computes how a shared memory region is split into IPC
// instances. Both cores run the same arithmetic on the same inputs and must
// agree on every offset, so everything here is a pure function.
//
// Each instance slot is laid out as
//
//	| status (4) | buffers host-RX/remote-TX | buffers host-TX/remote-RX | vring RX | vring TX |
//
// with RingSize*BufferSize bytes per buffer half and vring.Size(RingSize)
// bytes per vring.
package layout

import (
	"errors"
	"fmt"

	"github.com/srediag/amp-ipc/pkg/vring"
)

const (
	// StatusSize is the size of the per-instance status word.
	StatusSize = 4
	// BufferSize is the size of one message buffer.
	BufferSize = 512
	// VringAlign is the alignment of the vrings.
	VringAlign = vring.Align
	// MaxRingSize is the largest ring depth the planner picks.
	MaxRingSize = 32
)

// RingSizes is the descending set of depths tried when auto-sizing.
var RingSizes = [...]int{32, 16, 8, 4, 2, 1}

var (
	// ErrInsufficientMemory means the requested instances do not fit in the region.
	ErrInsufficientMemory = errors.New("insufficient shared memory for requested instances")
	// ErrInvalidRingSize is returned for depths outside RingSizes.
	ErrInvalidRingSize = errors.New("invalid ring size")
	// ErrInvalidCount is returned for instance counts below one.
	ErrInvalidCount = errors.New("instance count must be positive")
	// ErrOverlap is returned by Validate when slots intersect or leave the region.
	ErrOverlap = errors.New("instance slots overlap or exceed region")
)

// Region is the shared memory window both cores agree on.
type Region struct {
	Base uint64
	Size uint64
}

// Slot is one instance's share of the region.
type Slot struct {
	Index    int
	Base     uint64
	Size     uint64
	RingSize int
}

func validRingSize(r int) bool {
	for _, v := range RingSizes {
		if v == r {
			return true
		}
	}
	return false
}

// BuffersSize is the byte size of one buffer half for depth r.
func BuffersSize(r int) uint64 {
	return uint64(r) * BufferSize
}

// InstanceSize is the number of bytes one instance with depth r occupies.
func InstanceSize(r int) uint64 {
	return StatusSize + 2*BuffersSize(r) + 2*uint64(vring.Size(r))
}

// AutoRingSize returns the largest depth for which count instances fit in
// size bytes. The fit test is strict: count*InstanceSize(r) < size, so a
// region of exactly count*InstanceSize(r) bytes drops one depth.
func AutoRingSize(size uint64, count int) (int, error) {
	if count < 1 {
		return 0, ErrInvalidCount
	}
	for _, r := range RingSizes {
		if uint64(count)*InstanceSize(r) < size {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %d instances need more than %d bytes", ErrInsufficientMemory, count, size)
}

// Plan auto-sizes the ring depth and returns count slots.
func Plan(region Region, count int) ([]Slot, error) {
	r, err := AutoRingSize(region.Size, count)
	if err != nil {
		return nil, err
	}
	return PlanFixed(region, count, r)
}

// PlanFixed returns count slots of depth r. The region must hold all of them.
func PlanFixed(region Region, count, r int) ([]Slot, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	if !validRingSize(r) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRingSize, r)
	}
	size := InstanceSize(r)
	if uint64(count)*size > region.Size {
		return nil, fmt.Errorf("%w: %d instances of depth %d need %d bytes, have %d",
			ErrInsufficientMemory, count, r, uint64(count)*size, region.Size)
	}
	slots := make([]Slot, count)
	for i := range slots {
		slots[i] = Slot{
			Index:    i,
			Base:     region.Base + uint64(i)*size,
			Size:     size,
			RingSize: r,
		}
	}
	return slots, nil
}

// Validate checks that slots are disjoint and inside region.
func Validate(region Region, slots []Slot) error {
	var total uint64
	for i, a := range slots {
		if a.Base < region.Base || a.End() > region.Base+region.Size {
			return fmt.Errorf("%w: slot %d outside region", ErrOverlap, a.Index)
		}
		total += a.Size
		for _, b := range slots[i+1:] {
			if a.Base < b.End() && b.Base < a.End() {
				return fmt.Errorf("%w: slots %d and %d", ErrOverlap, a.Index, b.Index)
			}
		}
	}
	if total > region.Size {
		return fmt.Errorf("%w: %d bytes in slots, region has %d", ErrOverlap, total, region.Size)
	}
	return nil
}

// Offset returns the slot's offset from the region base.
func (s Slot) Offset(region Region) uint64 {
	return s.Base - region.Base
}

// End is the first address past the slot.
func (s Slot) End() uint64 {
	return s.Base + s.Size
}

// Contains reports whether addr lies inside the slot.
func (s Slot) Contains(addr uint64) bool {
	return addr >= s.Base && addr < s.End()
}

// StatusOffset is the offset of the status word inside the slot.
func (s Slot) StatusOffset() int { return 0 }

// RxBuffersOffset is the offset of the host-RX/remote-TX buffer half.
func (s Slot) RxBuffersOffset() int { return StatusSize }

// TxBuffersOffset is the offset of the host-TX/remote-RX buffer half.
func (s Slot) TxBuffersOffset() int { return StatusSize + int(BuffersSize(s.RingSize)) }

// VringRxOffset is the offset of the vring carrying remote-to-host traffic.
func (s Slot) VringRxOffset() int { return StatusSize + 2*int(BuffersSize(s.RingSize)) }

// VringTxOffset is the offset of the vring carrying host-to-remote traffic.
func (s Slot) VringTxOffset() int { return s.VringRxOffset() + vring.Size(s.RingSize) }

func (s Slot) String() string {
	return fmt.Sprintf("slot %d @0x%x+%d (ring %d)", s.Index, s.Base, s.Size, s.RingSize)
}

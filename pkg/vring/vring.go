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

// Package vring implements a single-producer single-consumer split virtqueue
// laid out in shared memory.
//
// A ring of n descriptors occupies Size(n) bytes:
//
//	| desc[n] (16 bytes each) | avail: flags, idx, ring[n], event | pad | used: flags, idx, ring[n]{id,len}, event |
//
// The producer owns the avail ring and the descriptors, the consumer owns the
// used ring. Each side publishes its 16-bit idx with a single 32-bit atomic
// store of the aligned word holding it, after its payload writes. A ring may
// start on a 2-byte boundary, in which case that word also holds a
// neighbouring field owned by the same side.
package vring

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srediag/amp-ipc/internal/shm"
)

const (
	// Align is the alignment of the used ring.
	Align = 4

	descSize     = 16
	usedElemSize = 8
)

var (
	// ErrEmpty is returned by Get when nothing is available.
	ErrEmpty = errors.New("vring: empty")
	// ErrRingFull is returned by Put when every descriptor is in flight.
	ErrRingFull = errors.New("vring: full")
	// ErrTooLarge is returned by Put when the payload exceeds the buffer size.
	ErrTooLarge = errors.New("vring: payload larger than buffer")
	// ErrCorrupt is returned when the peer published an invalid descriptor.
	ErrCorrupt = errors.New("vring: corrupt descriptor")
)

var le = binary.LittleEndian

func align(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

// DescSize is the size of the descriptor table for n entries.
func DescSize(n int) int { return descSize * n }

// AvailSize is the size of the avail ring for n entries.
func AvailSize(n int) int { return 4 + 2*n + 2 }

// UsedSize is the size of the used ring for n entries.
func UsedSize(n int) int { return 4 + usedElemSize*n + 2 }

// Size is the number of bytes a ring of n descriptors occupies.
func Size(n int) int {
	return align(DescSize(n)+AvailSize(n), Align) + UsedSize(n)
}

// Ring is a view of one vring inside a shared memory slot.
type Ring struct {
	mem   []byte
	n     int
	desc  int
	avail int
	used  int
}

// New returns the ring of n descriptors starting at mem[off].
func New(mem []byte, off, n int) (*Ring, error) {
	if n <= 0 || n > 1<<15 || n&(n-1) != 0 {
		return nil, fmt.Errorf("vring: size %d is not a power of two", n)
	}
	if off < 0 || off%2 != 0 {
		return nil, fmt.Errorf("vring: offset %d is not 2-byte aligned", off)
	}
	if off+Size(n) > len(mem) {
		return nil, fmt.Errorf("vring: %d bytes at offset %d exceed memory of %d", Size(n), off, len(mem))
	}
	return &Ring{
		mem:   mem,
		n:     n,
		desc:  off,
		avail: off + DescSize(n),
		used:  off + align(DescSize(n)+AvailSize(n), Align),
	}, nil
}

// Num returns the number of descriptors.
func (r *Ring) Num() int { return r.n }

// Reset zeroes the ring. Only the side that initializes the slot calls it.
func (r *Ring) Reset() {
	clear(r.mem[r.desc : r.desc+Size(r.n)])
}

// The avail and used rings are only touched through aligned 32-bit atomic
// words. Every such word is written by a single side, so a writer updates a
// 16-bit half with a load followed by a store.

func (r *Ring) load16(off int) uint16 {
	if off%4 == 0 {
		return uint16(shm.LoadUint32(r.mem, off))
	}
	return uint16(shm.LoadUint32(r.mem, off-2) >> 16)
}

func (r *Ring) store16(off int, v uint16) {
	if off%4 == 0 {
		w := shm.LoadUint32(r.mem, off)
		shm.StoreUint32(r.mem, off, w&^0xffff|uint32(v))
		return
	}
	w := shm.LoadUint32(r.mem, off-2)
	shm.StoreUint32(r.mem, off-2, w&0xffff|uint32(v)<<16)
}

func (r *Ring) load32(off int) uint32 {
	if off%4 == 0 {
		return shm.LoadUint32(r.mem, off)
	}
	return uint32(r.load16(off)) | uint32(r.load16(off+2))<<16
}

func (r *Ring) store32(off int, v uint32) {
	if off%4 == 0 {
		shm.StoreUint32(r.mem, off, v)
		return
	}
	r.store16(off, uint16(v))
	r.store16(off+2, uint16(v>>16))
}

func (r *Ring) availIdx() uint16 {
	return r.load16(r.avail + 2)
}

func (r *Ring) publishAvail(idx uint16) {
	r.store16(r.avail+2, idx)
}

func (r *Ring) usedIdx() uint16 {
	return r.load16(r.used + 2)
}

func (r *Ring) publishUsed(idx uint16) {
	r.store16(r.used+2, idx)
}

func (r *Ring) descAt(id uint16) []byte {
	off := r.desc + int(id)*descSize
	return r.mem[off : off+descSize]
}

func (r *Ring) availSlot(i uint16) int {
	return r.avail + 4 + 2*(int(i)%r.n)
}

func (r *Ring) usedSlot(i uint16) int {
	return r.used + 4 + usedElemSize*(int(i)%r.n)
}

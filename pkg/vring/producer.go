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

package vring

// Producer fills buffers and publishes them on the avail ring. Buffers live in
// mem at bufOff, one bufSize buffer per descriptor id. Descriptor addresses are
// offsets into mem. A Producer is not safe for concurrent use.
type Producer struct {
	r       *Ring
	mem     []byte
	bufOff  int
	bufSize int

	free     []uint16
	availIdx uint16
	lastUsed uint16
}

// NewProducer binds a producer to r. The ring indices are picked up from
// shared memory so a producer can attach to a ring that is already running.
func NewProducer(r *Ring, mem []byte, bufOff, bufSize int) *Producer {
	p := &Producer{
		r:        r,
		mem:      mem,
		bufOff:   bufOff,
		bufSize:  bufSize,
		free:     make([]uint16, 0, r.n),
		availIdx: r.availIdx(),
		lastUsed: r.usedIdx(),
	}
	inFlight := make([]bool, r.n)
	for i := p.lastUsed; i != p.availIdx; i++ {
		id := r.load16(r.availSlot(i))
		if int(id) < r.n {
			inFlight[id] = true
		}
	}
	for id := r.n - 1; id >= 0; id-- {
		if !inFlight[id] {
			p.free = append(p.free, uint16(id))
		}
	}
	return p
}

// BufSize is the largest payload Put accepts.
func (p *Producer) BufSize() int { return p.bufSize }

// Free returns how many descriptors are available after reclaiming.
func (p *Producer) Free() int {
	p.reclaim()
	return len(p.free)
}

func (p *Producer) reclaim() {
	used := p.r.usedIdx()
	for p.lastUsed != used {
		id := p.r.load32(p.r.usedSlot(p.lastUsed))
		if int(id) < p.r.n {
			p.free = append(p.free, uint16(id))
		}
		p.lastUsed++
	}
}

// Put copies the concatenation of parts into a free buffer and publishes it.
func (p *Producer) Put(parts ...[]byte) error {
	total := 0
	for _, part := range parts {
		total += len(part)
	}
	if total > p.bufSize {
		return ErrTooLarge
	}
	p.reclaim()
	if len(p.free) == 0 {
		return ErrRingFull
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	addr := p.bufOff + int(id)*p.bufSize
	n := 0
	for _, part := range parts {
		n += copy(p.mem[addr+n:], part)
	}

	d := p.r.descAt(id)
	le.PutUint64(d[0:], uint64(addr))
	le.PutUint32(d[8:], uint32(total))
	le.PutUint16(d[12:], 0)
	le.PutUint16(d[14:], 0)

	p.r.store16(p.r.availSlot(p.availIdx), id)
	p.availIdx++
	p.r.publishAvail(p.availIdx)
	return nil
}

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

// Consumer takes published buffers off the avail ring and hands them back on
// the used ring. Data returned by Get aliases shared memory and stays valid
// until the matching Release. A Consumer is not safe for concurrent use.
type Consumer struct {
	r         *Ring
	mem       []byte
	lastAvail uint16
	usedIdx   uint16
}

// NewConsumer binds a consumer to r. Descriptor addresses resolve into mem.
func NewConsumer(r *Ring, mem []byte) *Consumer {
	return &Consumer{
		r:         r,
		mem:       mem,
		lastAvail: r.usedIdx(),
		usedIdx:   r.usedIdx(),
	}
}

// Pending returns the number of published buffers not yet taken.
func (c *Consumer) Pending() int {
	return int(c.r.availIdx() - c.lastAvail)
}

// Get returns the next published buffer.
func (c *Consumer) Get() (uint16, []byte, error) {
	avail := c.r.availIdx()
	if avail == c.lastAvail {
		return 0, nil, ErrEmpty
	}
	if int(avail-c.lastAvail) > c.r.n {
		return 0, nil, ErrCorrupt
	}
	id := c.r.load16(c.r.availSlot(c.lastAvail))
	c.lastAvail++
	if int(id) >= c.r.n {
		return 0, nil, ErrCorrupt
	}
	d := c.r.descAt(id)
	addr := le.Uint64(d[0:])
	n := uint64(le.Uint32(d[8:]))
	if addr > uint64(len(c.mem)) || n > uint64(len(c.mem))-addr {
		c.Release(id, 0)
		return 0, nil, ErrCorrupt
	}
	return id, c.mem[addr : addr+n : addr+n], nil
}

// Release returns buffer id to the producer.
func (c *Consumer) Release(id uint16, n uint32) {
	off := c.r.usedSlot(c.usedIdx)
	c.r.store32(off, uint32(id))
	c.r.store32(off+4, n)
	c.usedIdx++
	c.r.publishUsed(c.usedIdx)
}

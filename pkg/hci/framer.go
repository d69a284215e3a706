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

package hci

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/srediag/amp-ipc/pkg/shm"
)

var le = binary.LittleEndian

// EncodedLen returns the framed size of m.
func EncodedLen(m Message) int {
	return 1 + headerSize(m.Type()) + len(m.Payload())
}

func headerSize(t PacketType) int {
	switch t {
	case TypeCommand:
		return commandHeaderSize
	case TypeACL:
		return aclHeaderSize
	case TypeSCO:
		return scoHeaderSize
	case TypeEvent:
		return eventHeaderSize
	}
	return 0
}

// AppendEncode appends the frame for m to dst.
func AppendEncode(dst []byte, m Message) ([]byte, error) {
	switch v := m.(type) {
	case Command:
		if len(v.Params) > math.MaxUint8 {
			return dst, fmt.Errorf("%w: command params %d", ErrPayloadTooLarge, len(v.Params))
		}
		dst = append(dst, byte(TypeCommand))
		dst = le.AppendUint16(dst, v.Opcode)
		dst = append(dst, byte(len(v.Params)))
		return append(dst, v.Params...), nil
	case ACLData:
		if len(v.Data) > math.MaxUint16 {
			return dst, fmt.Errorf("%w: acl data %d", ErrPayloadTooLarge, len(v.Data))
		}
		dst = append(dst, byte(TypeACL))
		dst = le.AppendUint16(dst, v.Handle)
		dst = le.AppendUint16(dst, uint16(len(v.Data)))
		return append(dst, v.Data...), nil
	case SCOData:
		if len(v.Data) > math.MaxUint8 {
			return dst, fmt.Errorf("%w: sco data %d", ErrPayloadTooLarge, len(v.Data))
		}
		dst = append(dst, byte(TypeSCO))
		dst = le.AppendUint16(dst, v.Handle)
		dst = append(dst, byte(len(v.Data)))
		return append(dst, v.Data...), nil
	case Event:
		if len(v.Params) > math.MaxUint8 {
			return dst, fmt.Errorf("%w: event params %d", ErrPayloadTooLarge, len(v.Params))
		}
		dst = append(dst, byte(TypeEvent), v.Code, byte(len(v.Params)))
		return append(dst, v.Params...), nil
	default:
		return dst, fmt.Errorf("%w: %T", ErrUnknownPacketType, m)
	}
}

// Encode returns the frame for m.
func Encode(m Message) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedLen(m)), m)
}

// Packet is a decoded message. Its payload may live in a pooled buffer, so
// the holder calls Release once done with it.
type Packet struct {
	Message
	buf    *shm.BufferSlice
	pooled bool
}

// Release returns the payload buffer to its pool. It is a no-op for heap
// payloads. A second call on a pooled packet returns shm.ErrDoubleRelease and
// leaves the pool alone, even when the buffer already has a new owner.
func (p *Packet) Release() error {
	if !p.pooled {
		return nil
	}
	buf := p.buf
	if buf == nil {
		return shm.ErrDoubleRelease
	}
	p.buf = nil
	return buf.Release()
}

// Framer decodes frames. With a nil Pool, payloads are copied to the heap.
type Framer struct {
	Pool *shm.BufferManager
}

// Decode parses one frame. data is not retained: the payload is copied,
// exactly the declared number of bytes. On error no buffer stays allocated.
func (f *Framer) Decode(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedLength)
	}
	t := PacketType(data[0])
	body := data[1:]
	hs := headerSize(t)
	if hs == 0 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownPacketType, data[0])
	}
	if len(body) < hs {
		return nil, fmt.Errorf("%w: %s header needs %d bytes, have %d", ErrMalformedLength, t, hs, len(body))
	}

	var declared int
	switch t {
	case TypeCommand, TypeSCO:
		declared = int(body[2])
	case TypeACL:
		declared = int(le.Uint16(body[2:]))
	case TypeEvent:
		declared = int(body[1])
	}

	if declared != len(body)-hs {
		return nil, fmt.Errorf("%w: %s declares %d bytes, have %d", ErrMalformedLength, t, declared, len(body)-hs)
	}
	payload, buf, err := f.copyPayload(body[hs:])
	if err != nil {
		return nil, err
	}

	p := &Packet{buf: buf, pooled: buf != nil}
	switch t {
	case TypeCommand:
		p.Message = Command{Opcode: le.Uint16(body), Params: payload}
	case TypeACL:
		p.Message = ACLData{Handle: le.Uint16(body), Data: payload}
	case TypeSCO:
		p.Message = SCOData{Handle: le.Uint16(body), Data: payload}
	case TypeEvent:
		p.Message = Event{Code: body[0], Params: payload}
	}
	return p, nil
}

func (f *Framer) copyPayload(src []byte) ([]byte, *shm.BufferSlice, error) {
	if len(src) == 0 {
		return nil, nil, nil
	}
	if f.Pool == nil {
		return append([]byte(nil), src...), nil, nil
	}
	buf, err := f.Pool.Alloc(uint32(len(src)))
	if err != nil {
		return nil, nil, err
	}
	copy(buf.Data, src)
	return buf.Data, buf, nil
}

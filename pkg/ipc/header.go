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

package ipc

import (
	"encoding/binary"

	"github.com/srediag/amp-ipc/pkg/layout"
)

// HeaderSize is the size of the message header.
const HeaderSize = 16

// MaxPayload is the largest payload one message carries.
const MaxPayload = layout.BufferSize - HeaderSize

type header struct {
	src   uint32
	dst   uint32
	len   uint16
	flags uint16
}

func (h header) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.src)
	binary.LittleEndian.PutUint32(b[4:], h.dst)
	binary.LittleEndian.PutUint32(b[8:], 0)
	binary.LittleEndian.PutUint16(b[12:], h.len)
	binary.LittleEndian.PutUint16(b[14:], h.flags)
}

func parseHeader(b []byte) header {
	return header{
		src:   binary.LittleEndian.Uint32(b[0:]),
		dst:   binary.LittleEndian.Uint32(b[4:]),
		len:   binary.LittleEndian.Uint16(b[12:]),
		flags: binary.LittleEndian.Uint16(b[14:]),
	}
}

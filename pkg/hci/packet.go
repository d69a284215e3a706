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

// Package hci frames Bluetooth HCI packets for the IPC channel.
//
// Every frame starts with a one-byte indicator followed by the type's header
// and payload, all little endian:
//
//	0x01 Command  | opcode u16 | param_len u8  | params
//	0x02 ACL data | handle u16 | len u16       | payload
//	0x03 SCO data | handle u16 | len u8        | payload
//	0x04 Event    | code u8    | param_len u8  | params
package hci

import (
	"errors"
	"fmt"
)

// PacketType is the frame indicator byte.
type PacketType uint8

const (
	TypeCommand PacketType = 0x01
	TypeACL     PacketType = 0x02
	TypeSCO     PacketType = 0x03
	TypeEvent   PacketType = 0x04
)

func (t PacketType) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeACL:
		return "acl"
	case TypeSCO:
		return "sco"
	case TypeEvent:
		return "event"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// header sizes, indicator excluded
const (
	commandHeaderSize = 3
	aclHeaderSize     = 4
	scoHeaderSize     = 3
	eventHeaderSize   = 2
)

var (
	// ErrMalformedLength means the declared length does not match the bytes present.
	ErrMalformedLength = errors.New("hci: malformed length")
	// ErrUnknownPacketType means the indicator byte is not a known packet type.
	ErrUnknownPacketType = errors.New("hci: unknown packet type")
	// ErrPayloadTooLarge means the payload does not fit the header's length field.
	ErrPayloadTooLarge = errors.New("hci: payload too large for length field")
)

// Message is one of Command, ACLData, SCOData or Event.
type Message interface {
	Type() PacketType
	// Payload is the bytes following the type header.
	Payload() []byte
}

// Command is a host-to-controller command.
type Command struct {
	Opcode uint16
	Params []byte
}

func (Command) Type() PacketType { return TypeCommand }
func (c Command) Payload() []byte { return c.Params }

// OGF returns the opcode group field.
func (c Command) OGF() uint8 { return uint8(c.Opcode >> 10) }

// OCF returns the opcode command field.
func (c Command) OCF() uint16 { return c.Opcode & 0x03ff }

// ACLData carries L2CAP traffic. Handle includes the packet boundary and
// broadcast flags in its top four bits.
type ACLData struct {
	Handle uint16
	Data   []byte
}

func (ACLData) Type() PacketType { return TypeACL }
func (a ACLData) Payload() []byte { return a.Data }

// SCOData carries synchronous audio.
type SCOData struct {
	Handle uint16
	Data   []byte
}

func (SCOData) Type() PacketType { return TypeSCO }
func (s SCOData) Payload() []byte { return s.Data }

// Event is a controller-to-host event.
type Event struct {
	Code   uint8
	Params []byte
}

func (Event) Type() PacketType { return TypeEvent }
func (e Event) Payload() []byte { return e.Params }

// Opcode builds a command opcode from its group and command fields.
func Opcode(ogf uint8, ocf uint16) uint16 {
	return uint16(ogf)<<10 | ocf&0x03ff
}

// Opcodes and event codes used by the daemon.
const (
	OpReset             uint16 = 0x0c03
	OpReadLocalVersion  uint16 = 0x1001
	EvtCommandComplete  uint8  = 0x0e
	EvtCommandStatus    uint8  = 0x0f
	StatusSuccess       uint8  = 0x00
	StatusUnknownOpcode uint8  = 0x01
)

// CommandComplete builds a Command Complete event for opcode with the given
// return parameters.
func CommandComplete(numPackets uint8, opcode uint16, ret ...byte) Event {
	params := make([]byte, 3, 3+len(ret))
	params[0] = numPackets
	params[1] = byte(opcode)
	params[2] = byte(opcode >> 8)
	return Event{Code: EvtCommandComplete, Params: append(params, ret...)}
}

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

// EventKind distinguishes endpoint events.
type EventKind int

const (
	// EventConnected fires once, when the peer's handshake is observed.
	EventConnected EventKind = iota
	// EventData fires after a message was copied into the receive scratch buffer.
	EventData
)

func (k EventKind) String() string {
	if k == EventConnected {
		return "connected"
	}
	return "data"
}

// Event is delivered to an endpoint's Handler.
type Event struct {
	Kind EventKind
	// Data aliases the scratch buffer passed to ReceiveOne; nil for EventConnected.
	Data []byte
}

// Handler receives endpoint events on the goroutine calling ReceiveOne.
type Handler func(Event)

// Endpoint is the one logical destination bound on a Channel.
type Endpoint struct {
	id      uint32
	handler Handler
	ch      *Channel
}

// ID returns the endpoint address.
func (e *Endpoint) ID() uint32 {
	return e.id
}

// Send transmits p to the peer endpoint with the same address.
func (e *Endpoint) Send(p []byte) error {
	return e.ch.send(e, p)
}

// Channel returns the owning channel.
func (e *Endpoint) Channel() *Channel {
	return e.ch
}

func (e *Endpoint) dispatch(ev Event) {
	if e.handler != nil {
		e.handler(ev)
	}
}

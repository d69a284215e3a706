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

import "errors"

var (
	// ErrInit is returned when the slot cannot host a channel.
	ErrInit = errors.New("ipc: init failed")
	// ErrHandshakeTimeout is returned when the peer does not connect in time.
	ErrHandshakeTimeout = errors.New("ipc: handshake timeout")
	// ErrNotBound is returned by Send before the handshake completed.
	ErrNotBound = errors.New("ipc: endpoint not bound")
	// ErrEmpty is returned by ReceiveOne when no message is pending.
	ErrEmpty = errors.New("ipc: no message available")
	// ErrUnknownEndpoint is returned when a message is addressed to no bound endpoint.
	ErrUnknownEndpoint = errors.New("ipc: unknown destination endpoint")
	// ErrEndpointExists is returned when binding a second endpoint.
	ErrEndpointExists = errors.New("ipc: endpoint already bound")
	// ErrMessageTooLarge is returned when a payload exceeds MaxPayload.
	ErrMessageTooLarge = errors.New("ipc: message too large")
	// ErrScratchTooSmall is returned when a received payload does not fit the scratch buffer.
	ErrScratchTooSmall = errors.New("ipc: scratch buffer too small")
	// ErrCorrupt is returned when the peer published an invalid message.
	ErrCorrupt = errors.New("ipc: corrupt message")
	// ErrFaulted is returned by operations on a faulted channel.
	ErrFaulted = errors.New("ipc: channel faulted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ipc: channel closed")
	// ErrDoorbellClosed is returned by Ring after Close.
	ErrDoorbellClosed = errors.New("ipc: doorbell closed")
)

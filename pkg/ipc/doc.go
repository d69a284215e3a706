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

// Package ipc implements one IPC instance over a planned shared memory slot.
//
// A Channel owns the slot's two vrings: the host transmits on the TX vring
// and receives on the RX vring, the remote does the opposite. Messages carry
// a 16-byte header (src, dst, reserved, len, flags) in front of the payload.
//
// The peers handshake by exchanging empty messages. Binding an endpoint
// sends one; receiving one while not yet connected sends one back and marks
// the channel Bound. Later empty messages are discarded.
//
// Peer notifications arrive through a Doorbell. The doorbell handler only
// signals; all ring work happens in ReceiveOne on the caller's goroutine.
package ipc

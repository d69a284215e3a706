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

// State is the connection state of a Channel.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateAwaitingPeer
	StateBound
	// StateFaulted is terminal.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAwaitingPeer:
		return "awaiting-peer"
	case StateBound:
		return "bound"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Role selects which side of the slot a Channel drives.
type Role int

const (
	// RoleHost initializes the slot and publishes the driver-ready status.
	RoleHost Role = iota
	// RoleRemote waits for the host before attaching.
	RoleRemote
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "remote"
}

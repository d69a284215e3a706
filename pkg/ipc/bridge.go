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
	"context"
	"sync/atomic"
)

// Bridge hands notifications from a doorbell handler to one worker. Notify
// never blocks and never allocates; every Notify lets exactly one Wait return.
type Bridge struct {
	pending atomic.Int64
	wake    chan struct{}
}

// NewBridge returns a bridge with no pending notifications.
func NewBridge() *Bridge {
	return &Bridge{wake: make(chan struct{}, 1)}
}

// Notify records one notification.
func (b *Bridge) Notify() {
	b.pending.Add(1)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until a notification is pending and consumes it.
func (b *Bridge) Wait(ctx context.Context) error {
	for {
		if n := b.pending.Load(); n > 0 {
			if b.pending.CompareAndSwap(n, n-1) {
				return nil
			}
			continue
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending returns the number of notifications not yet consumed.
func (b *Bridge) Pending() int64 {
	return b.pending.Load()
}

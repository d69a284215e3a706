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

package transport

import (
	"errors"
	"fmt"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

// default cap is 1024 messages per direction.
const defaultQueueCap = 1024

// queue is a bounded blocking FIFO. Get blocks on a semaphore rather than
// spinning, so idle workers cost nothing.
type queue struct {
	q   *queuepkg.Queue
	cap int64
}

func newQueue(cap int) *queue {
	if cap <= 0 {
		cap = defaultQueueCap
	}
	return &queue{q: queuepkg.New(int64(cap)), cap: int64(cap)}
}

func (q *queue) put(v interface{}) error {
	if q.q.Disposed() {
		return ErrStopped
	}
	if q.q.Len() >= q.cap {
		return ErrQueueFull
	}
	if err := q.q.Put(v); err != nil {
		return mapQueueErr(err)
	}
	return nil
}

func (q *queue) pop() (interface{}, error) {
	items, err := q.q.Get(1)
	if err != nil {
		return nil, mapQueueErr(err)
	}
	if len(items) == 0 {
		return nil, ErrStopped
	}
	return items[0], nil
}

func (q *queue) poll(timeout time.Duration) (interface{}, error) {
	items, err := q.q.Poll(1, timeout)
	if err != nil {
		return nil, mapQueueErr(err)
	}
	if len(items) == 0 {
		return nil, ErrTimeout
	}
	return items[0], nil
}

func (q *queue) len() int {
	return int(q.q.Len())
}

// dispose unblocks all waiters and returns what was left.
func (q *queue) dispose() []interface{} {
	return q.q.Dispose()
}

func mapQueueErr(err error) error {
	switch {
	case errors.Is(err, queuepkg.ErrDisposed):
		return ErrStopped
	case errors.Is(err, queuepkg.ErrTimeout):
		return ErrTimeout
	default:
		return fmt.Errorf("transport queue: %w", err)
	}
}

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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/amp-ipc/internal/logging"
)

// Doorbell is the one-bit interrupt between the peers. Ring signals the
// peer; the function registered with Listen runs for every signal received
// and must not block.
type Doorbell interface {
	Ring() error
	Listen(fn func()) error
	Close() error
}

type loopback struct {
	peer   *loopback
	fn     atomic.Pointer[func()]
	closed atomic.Bool
}

// NewLoopbackPair returns two connected in-process doorbells. Ringing one
// runs the other's handler on the ringing goroutine. Rings before the peer
// listens are dropped.
func NewLoopbackPair() (Doorbell, Doorbell) {
	a, b := &loopback{}, &loopback{}
	a.peer, b.peer = b, a
	return a, b
}

func (l *loopback) Ring() error {
	if l.closed.Load() {
		return ErrDoorbellClosed
	}
	if l.peer.closed.Load() {
		return nil
	}
	if fn := l.peer.fn.Load(); fn != nil {
		(*fn)()
	}
	return nil
}

func (l *loopback) Listen(fn func()) error {
	if l.closed.Load() {
		return ErrDoorbellClosed
	}
	l.fn.Store(&fn)
	return nil
}

func (l *loopback) Close() error {
	l.closed.Store(true)
	l.fn.Store(nil)
	return nil
}

// UnixDoorbell signals a peer process through datagram sockets. Each side
// binds its own socket; Ring sends one byte to the peer's socket. Signals
// sent before Listen are queued by the kernel.
type UnixDoorbell struct {
	conn   *net.UnixConn
	local  string
	remote *net.UnixAddr
	log    *zap.Logger

	once   sync.Once
	done   chan struct{}
	closed atomic.Bool
}

const ringTimeout = 10 * time.Millisecond

// NewUnixDoorbell binds dir/local and rings dir/remote. A stale socket file
// at dir/local is replaced.
func NewUnixDoorbell(dir, local, remote string) (*UnixDoorbell, error) {
	lpath := filepath.Join(dir, local)
	if err := os.Remove(lpath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale doorbell %s: %w", lpath, err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: lpath, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("listen doorbell %s: %w", lpath, err)
	}
	return &UnixDoorbell{
		conn:   conn,
		local:  lpath,
		remote: &net.UnixAddr{Name: filepath.Join(dir, remote), Net: "unixgram"},
		log:    logging.Named("doorbell").With(zap.String("local", lpath)),
		done:   make(chan struct{}),
	}, nil
}

// Ring sends one signal to the peer. It fails if the peer has not bound yet.
func (d *UnixDoorbell) Ring() error {
	if d.closed.Load() {
		return ErrDoorbellClosed
	}
	if err := d.conn.SetWriteDeadline(time.Now().Add(ringTimeout)); err != nil {
		return err
	}
	_, err := d.conn.WriteToUnix([]byte{1}, d.remote)
	return err
}

// Listen starts delivering signals to fn. It may be called once.
func (d *UnixDoorbell) Listen(fn func()) error {
	if d.closed.Load() {
		return ErrDoorbellClosed
	}
	started := false
	d.once.Do(func() {
		started = true
		go d.serve(fn)
	})
	if !started {
		return errors.New("doorbell already listening")
	}
	return nil
}

func (d *UnixDoorbell) serve(fn func()) {
	defer close(d.done)
	buf := make([]byte, 16)
	for {
		n, _, err := d.conn.ReadFromUnix(buf)
		if err != nil {
			if !d.closed.Load() {
				d.log.Warn("doorbell read failed", zap.Error(err))
			}
			return
		}
		for i := 0; i < n; i++ {
			fn()
		}
	}
}

// Close stops listening and removes the local socket.
func (d *UnixDoorbell) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	err := d.conn.Close()
	listening := true
	d.once.Do(func() { listening = false })
	if listening {
		<-d.done
	}
	if rerr := os.Remove(d.local); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

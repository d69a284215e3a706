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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/srediag/amp-ipc/internal/logging"
	internalshm "github.com/srediag/amp-ipc/internal/shm"
	"github.com/srediag/amp-ipc/pkg/layout"
	"github.com/srediag/amp-ipc/pkg/vring"
)

// StatusDriverOK is written to the slot status word by the host once the
// rings are initialized.
const StatusDriverOK = 0x04

const (
	defaultInitTimeout = 5 * time.Second
	defaultSendTimeout = 100 * time.Millisecond
)

// Config describes one channel.
type Config struct {
	Role Role
	Slot layout.Slot
	// Mem is the slot's memory, exactly Slot.Size bytes.
	Mem      []byte
	Doorbell Doorbell
	// Notify is called from the doorbell handler for every peer signal. It
	// must not block.
	Notify func()
	// InitTimeout bounds how long a remote waits for the host status.
	InitTimeout time.Duration
	// SendTimeout bounds how long Send waits for a free TX buffer.
	SendTimeout time.Duration
	Logger      *zap.Logger
}

// Stats are running counters of a channel.
type Stats struct {
	Sent           uint64
	Received       uint64
	EmptyReceives  uint64
	HandshakeMsgs  uint64
	UnknownDropped uint64
}

// Channel is one IPC instance. Send may be called from any goroutine.
// ReceiveOne must only be called from a single goroutine.
type Channel struct {
	cfg   Config
	log   *zap.Logger
	state atomic.Int32

	txMu sync.Mutex
	tx   *vring.Producer
	rx   *vring.Consumer

	ep        atomic.Pointer[Endpoint]
	connected chan struct{}
	closed    atomic.Bool

	sent, received, empty, handshake, unknown atomic.Uint64
}

// NewChannel returns an uninitialized channel.
func NewChannel(cfg Config) *Channel {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Named("ipc")
	}
	return &Channel{
		cfg:       cfg,
		log:       log.With(zap.Int("instance", cfg.Slot.Index), zap.Stringer("role", cfg.Role)),
		connected: make(chan struct{}),
	}
}

// State returns the current state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Slot returns the slot the channel runs on.
func (c *Channel) Slot() layout.Slot {
	return c.cfg.Slot
}

// Stats returns a snapshot of the counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:           c.sent.Load(),
		Received:       c.received.Load(),
		EmptyReceives:  c.empty.Load(),
		HandshakeMsgs:  c.handshake.Load(),
		UnknownDropped: c.unknown.Load(),
	}
}

// Init attaches the rings and starts listening for peer signals. The host
// zeroes the slot and publishes StatusDriverOK; the remote waits for it,
// bounded by ctx and InitTimeout.
func (c *Channel) Init(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return fmt.Errorf("%w: channel is %s", ErrInit, c.State())
	}
	if err := c.init(ctx); err != nil {
		c.state.Store(int32(StateFaulted))
		return err
	}
	c.state.Store(int32(StateAwaitingPeer))
	c.log.Info("channel initialized", zap.Int("ring_size", c.cfg.Slot.RingSize))
	return nil
}

func (c *Channel) init(ctx context.Context) error {
	s, mem := c.cfg.Slot, c.cfg.Mem
	if c.cfg.Doorbell == nil || c.cfg.Notify == nil {
		return fmt.Errorf("%w: doorbell and notify callback are required", ErrInit)
	}
	if s.Size == 0 || uint64(len(mem)) != s.Size || s.Size != layout.InstanceSize(s.RingSize) {
		return fmt.Errorf("%w: %s does not match %d bytes of memory", ErrInit, s, len(mem))
	}
	vrx, err := vring.New(mem, s.VringRxOffset(), s.RingSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	vtx, err := vring.New(mem, s.VringTxOffset(), s.RingSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}

	switch c.cfg.Role {
	case RoleHost:
		clear(mem)
		c.tx = vring.NewProducer(vtx, mem, s.TxBuffersOffset(), layout.BufferSize)
		c.rx = vring.NewConsumer(vrx, mem)
		internalshm.StoreUint32(mem, s.StatusOffset(), StatusDriverOK)
	case RoleRemote:
		if err := c.waitDriverOK(ctx); err != nil {
			return fmt.Errorf("%w: host not ready: %v", ErrInit, err)
		}
		c.tx = vring.NewProducer(vrx, mem, s.RxBuffersOffset(), layout.BufferSize)
		c.rx = vring.NewConsumer(vtx, mem)
	default:
		return fmt.Errorf("%w: unknown role %d", ErrInit, c.cfg.Role)
	}

	if err := c.cfg.Doorbell.Listen(c.cfg.Notify); err != nil {
		return fmt.Errorf("%w: doorbell: %v", ErrInit, err)
	}
	return nil
}

func (c *Channel) waitDriverOK(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = c.cfg.InitTimeout
	op := func() error {
		if internalshm.LoadUint32(c.cfg.Mem, c.cfg.Slot.StatusOffset())&StatusDriverOK == 0 {
			return errors.New("status not driver-ok")
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Bind registers the channel's endpoint and sends the handshake message.
func (c *Channel) Bind(id uint32, h Handler) (*Endpoint, error) {
	switch c.State() {
	case StateAwaitingPeer, StateBound:
	case StateFaulted:
		return nil, ErrFaulted
	default:
		return nil, fmt.Errorf("%w: channel is %s", ErrNotBound, c.State())
	}
	ep := &Endpoint{id: id, handler: h, ch: c}
	if !c.ep.CompareAndSwap(nil, ep) {
		return nil, ErrEndpointExists
	}
	if err := c.write(ep, nil); err != nil {
		c.ep.Store(nil)
		return nil, err
	}
	c.handshake.Add(1)
	c.ring()
	return ep, nil
}

// Endpoint returns the bound endpoint, or nil.
func (c *Channel) Endpoint() *Endpoint {
	return c.ep.Load()
}

// AwaitConnect blocks until the peer handshake is observed. On timeout the
// channel becomes Faulted and stays so.
func (c *Channel) AwaitConnect(timeout time.Duration) error {
	if c.State() == StateFaulted {
		return ErrFaulted
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.connected:
		if c.State() == StateBound {
			return nil
		}
		return ErrFaulted
	case <-t.C:
	}
	if c.state.CompareAndSwap(int32(StateAwaitingPeer), int32(StateFaulted)) {
		c.log.Error("peer did not connect", zap.Duration("timeout", timeout))
		return ErrHandshakeTimeout
	}
	if c.State() == StateBound {
		return nil
	}
	return ErrHandshakeTimeout
}

// Connected is closed once the handshake completed.
func (c *Channel) Connected() <-chan struct{} {
	return c.connected
}

// Send transmits p from the bound endpoint.
func (c *Channel) Send(p []byte) error {
	ep := c.ep.Load()
	if ep == nil {
		return ErrNotBound
	}
	return c.send(ep, p)
}

func (c *Channel) send(ep *Endpoint, p []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.State() != StateBound {
		return ErrNotBound
	}
	if len(p) > MaxPayload {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, len(p), MaxPayload)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = c.cfg.SendTimeout
	err := backoff.Retry(func() error {
		err := c.write(ep, p)
		if errors.Is(err, vring.ErrRingFull) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b)
	if err != nil {
		return err
	}
	c.sent.Add(1)
	c.ring()
	return nil
}

func (c *Channel) write(ep *Endpoint, p []byte) error {
	var hdr [HeaderSize]byte
	header{src: ep.id, dst: ep.id, len: uint16(len(p))}.put(hdr[:])
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.tx.Put(hdr[:], p)
}

func (c *Channel) ring() {
	if err := c.cfg.Doorbell.Ring(); err != nil {
		c.log.Warn("failed to notify peer", zap.Error(err))
	}
}

// ReceiveOne copies the next message into scratch and returns its length.
// Handshake messages are consumed on the way. ErrEmpty means no message was
// pending, which is expected when notifications were coalesced.
func (c *Channel) ReceiveOne(scratch []byte) (int, error) {
	switch c.State() {
	case StateAwaitingPeer, StateBound:
	case StateFaulted:
		return 0, ErrFaulted
	default:
		return 0, fmt.Errorf("%w: channel is %s", ErrNotBound, c.State())
	}
	for {
		id, data, err := c.rx.Get()
		if errors.Is(err, vring.ErrEmpty) {
			c.empty.Add(1)
			return 0, ErrEmpty
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(data) < HeaderSize {
			c.rx.Release(id, 0)
			return 0, fmt.Errorf("%w: %d byte message", ErrCorrupt, len(data))
		}
		hdr := parseHeader(data)
		if int(hdr.len) > len(data)-HeaderSize {
			c.rx.Release(id, 0)
			return 0, fmt.Errorf("%w: header declares %d bytes, buffer has %d", ErrCorrupt, hdr.len, len(data)-HeaderSize)
		}

		ep := c.ep.Load()
		if ep == nil || ep.id != hdr.dst {
			c.rx.Release(id, 0)
			c.unknown.Add(1)
			return 0, fmt.Errorf("%w: %d", ErrUnknownEndpoint, hdr.dst)
		}

		if hdr.len == 0 {
			c.rx.Release(id, uint32(len(data)))
			c.handshake.Add(1)
			if err := c.acceptHandshake(ep); err != nil {
				return 0, err
			}
			continue
		}

		n := int(hdr.len)
		if n > len(scratch) {
			c.rx.Release(id, 0)
			return 0, fmt.Errorf("%w: %d bytes into %d", ErrScratchTooSmall, n, len(scratch))
		}
		copy(scratch, data[HeaderSize:HeaderSize+n])
		c.rx.Release(id, uint32(len(data)))
		c.received.Add(1)
		ep.dispatch(Event{Kind: EventData, Data: scratch[:n]})
		return n, nil
	}
}

func (c *Channel) acceptHandshake(ep *Endpoint) error {
	select {
	case <-c.connected:
		return nil
	default:
	}
	if err := c.write(ep, nil); err != nil {
		return fmt.Errorf("handshake reply: %w", err)
	}
	c.handshake.Add(1)
	c.ring()
	if !c.state.CompareAndSwap(int32(StateAwaitingPeer), int32(StateBound)) {
		c.log.Warn("handshake after fault ignored")
		return ErrFaulted
	}
	close(c.connected)
	c.log.Info("handshake done", zap.Uint32("endpoint", ep.id))
	ep.dispatch(Event{Kind: EventConnected})
	return nil
}

// Close stops the doorbell. Sends fail afterwards.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cfg.Doorbell == nil {
		return nil
	}
	return c.cfg.Doorbell.Close()
}

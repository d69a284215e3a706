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

// Package lifecycle brings up and tears down every IPC instance of a shared
// memory region.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/amp-ipc/adapter"
	"github.com/srediag/amp-ipc/api"
	"github.com/srediag/amp-ipc/internal/logging"
	"github.com/srediag/amp-ipc/pkg/config"
	"github.com/srediag/amp-ipc/pkg/hci"
	"github.com/srediag/amp-ipc/pkg/ipc"
	"github.com/srediag/amp-ipc/pkg/layout"
	"github.com/srediag/amp-ipc/pkg/shm"
	"github.com/srediag/amp-ipc/pkg/transport"
)

var (
	// ErrNotStarted is returned by health checks before Start succeeded.
	ErrNotStarted = errors.New("lifecycle: not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("lifecycle: already started")
)

var (
	_ api.Lifecycle = (*Manager)(nil)
	_ api.Health    = (*Manager)(nil)
	_ api.Transport = (*Link)(nil)
)

// DoorbellFactory returns the doorbell a channel of the given role uses on slot.
type DoorbellFactory func(role ipc.Role, slot layout.Slot) (ipc.Doorbell, error)

// UnixDoorbells names one socket pair per instance under dir:
// <prefix>-<index>-host.sock and <prefix>-<index>-remote.sock.
func UnixDoorbells(dir, prefix string) DoorbellFactory {
	return func(role ipc.Role, slot layout.Slot) (ipc.Doorbell, error) {
		host := fmt.Sprintf("%s-%d-host.sock", prefix, slot.Index)
		remote := fmt.Sprintf("%s-%d-remote.sock", prefix, slot.Index)
		if role == ipc.RoleHost {
			return ipc.NewUnixDoorbell(dir, host, remote)
		}
		return ipc.NewUnixDoorbell(dir, remote, host)
	}
}

// LoopbackDoorbells returns factories for a host and a remote manager living
// in the same process. Both must be used against the same layout.
func LoopbackDoorbells() (host, remote DoorbellFactory) {
	var mu sync.Mutex
	pairs := make(map[int][2]ipc.Doorbell)
	get := func(role ipc.Role, slot layout.Slot) (ipc.Doorbell, error) {
		mu.Lock()
		defer mu.Unlock()
		p, ok := pairs[slot.Index]
		if !ok {
			h, r := ipc.NewLoopbackPair()
			p = [2]ipc.Doorbell{h, r}
			pairs[slot.Index] = p
		}
		if role == ipc.RoleHost {
			return p[0], nil
		}
		return p[1], nil
	}
	return get, get
}

// Options are the collaborators of a Manager. Only Config is required.
type Options struct {
	Config *config.Config
	// Registry receives the transport collectors. Nil uses a private registry.
	Registry  prometheus.Registerer
	Telemetry adapter.Telemetry
	// Doorbells defaults to UnixDoorbells(Config.DoorbellDir, Config.Region.Name).
	Doorbells DoorbellFactory
	Logger    *zap.Logger
}

// Link is one running instance.
type Link struct {
	Slot     layout.Slot
	Channel  *ipc.Channel
	Pipeline *transport.Pipeline
	Buffers  *shm.BufferManager
}

// SendMessage queues m on the link.
func (l *Link) SendMessage(m hci.Message) error {
	return l.Pipeline.SendMessage(m)
}

// ReceiveMessage blocks for the next message of the link.
func (l *Link) ReceiveMessage() (*hci.Packet, error) {
	return l.Pipeline.ReceiveMessage()
}

func (l *Link) stop() error {
	return multierr.Append(l.Pipeline.Stop(), l.Channel.Close())
}

// Manager owns the region, the worker pool and every Link.
type Manager struct {
	cfg       *config.Config
	role      ipc.Role
	doorbells DoorbellFactory
	telemetry adapter.Telemetry
	registry  prometheus.Registerer
	log       *zap.Logger

	region  *shm.Region
	pool    *ants.Pool
	metrics *transport.Metrics
	links   cmap.ConcurrentMap[string, *Link]

	started atomic.Bool
	running atomic.Bool
	stopped atomic.Bool
}

// New validates the options and returns an idle manager.
func New(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("lifecycle: config is required")
	}
	if err := config.VerifyConfig(opts.Config); err != nil {
		return nil, err
	}
	role, err := opts.Config.IPCRole()
	if err != nil {
		return nil, err
	}
	if opts.Doorbells == nil {
		opts.Doorbells = UnixDoorbells(opts.Config.DoorbellDir, opts.Config.Region.Name)
	}
	if opts.Telemetry.Meter == nil || opts.Telemetry.Tracer == nil {
		opts.Telemetry = adapter.NewTelemetry(nil, nil)
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("lifecycle")
	}
	return &Manager{
		cfg:       opts.Config,
		role:      role,
		doorbells: opts.Doorbells,
		telemetry: opts.Telemetry,
		registry:  opts.Registry,
		log:       log.With(zap.Stringer("role", role)),
		links:     cmap.New[*Link](),
	}, nil
}

// Start maps the region, plans the instances and brings every one of them
// up in parallel. It returns once all handshakes completed, or with the
// first failure after tearing down what was started.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	cfg := m.cfg
	region, err := shm.Open(ctx, shm.OpenOptions{
		Name:   cfg.Region.Name,
		Dir:    cfg.Region.Dir,
		Base:   cfg.Region.Base,
		Size:   cfg.Region.Size,
		Create: cfg.Region.Create,
		Meter:  m.telemetry.Meter,
		Tracer: m.telemetry.Tracer,
	})
	if err != nil {
		return fmt.Errorf("open region: %w", err)
	}
	m.region = region

	slots, err := m.plan()
	if err != nil {
		return m.fail(err)
	}
	m.metrics, err = transport.NewMetrics(m.registry)
	if err != nil {
		return m.fail(err)
	}
	m.pool, err = ants.NewPool(2 * len(slots))
	if err != nil {
		return m.fail(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range slots {
		slot := slot
		g.Go(func() error {
			link, err := m.startLink(gctx, slot)
			if err != nil {
				return fmt.Errorf("instance %d: %w", slot.Index, err)
			}
			m.links.Set(strconv.Itoa(slot.Index), link)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return m.fail(err)
	}
	m.running.Store(true)
	m.log.Info("all instances connected",
		zap.Int("instances", len(slots)), zap.Int("ring_size", slots[0].RingSize))
	return nil
}

func (m *Manager) fail(err error) error {
	m.log.Error("start failed", zap.Error(err))
	m.stopped.Store(true)
	return multierr.Append(err, m.teardown())
}

func (m *Manager) plan() ([]layout.Slot, error) {
	var (
		slots []layout.Slot
		err   error
	)
	if m.cfg.RingSize == 0 {
		slots, err = layout.Plan(m.region.Layout(), m.cfg.Instances)
	} else {
		slots, err = layout.PlanFixed(m.region.Layout(), m.cfg.Instances, m.cfg.RingSize)
	}
	if err != nil {
		return nil, fmt.Errorf("plan layout: %w", err)
	}
	if err := layout.Validate(m.region.Layout(), slots); err != nil {
		return nil, fmt.Errorf("plan layout: %w", err)
	}
	return slots, nil
}

func (m *Manager) startLink(ctx context.Context, slot layout.Slot) (_ *Link, err error) {
	mem, err := m.region.Slot(slot)
	if err != nil {
		return nil, err
	}
	bell, err := m.doorbells(m.role, slot)
	if err != nil {
		return nil, fmt.Errorf("doorbell: %w", err)
	}
	log := m.log.With(zap.Int("instance", slot.Index))
	bridge := ipc.NewBridge()
	ch := ipc.NewChannel(ipc.Config{
		Role:        m.role,
		Slot:        slot,
		Mem:         mem,
		Doorbell:    bell,
		Notify:      bridge.Notify,
		InitTimeout: m.cfg.InitTimeout,
		SendTimeout: m.cfg.SendTimeout,
		Logger:      logging.Named("ipc"),
	})
	defer func() {
		if err != nil {
			_ = ch.Close()
		}
	}()
	if err := ch.Init(ctx); err != nil {
		return nil, err
	}

	bufs, err := shm.NewBufferManager(m.cfg.BufferCapacity, m.cfg.BufferSizes)
	if err != nil {
		return nil, err
	}
	p, err := transport.New(transport.Config{
		Channel:  ch,
		Bridge:   bridge,
		Framer:   &hci.Framer{Pool: bufs},
		Pool:     m.pool,
		QueueCap: m.cfg.QueueCap,
		Metrics:  m.metrics,
		Meter:    m.telemetry.Meter,
		Tracer:   m.telemetry.Tracer,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = p.Stop()
		}
	}()

	if _, err := ch.Bind(m.cfg.EndpointID, func(ev ipc.Event) {
		if ev.Kind == ipc.EventConnected {
			log.Debug("endpoint connected", zap.Uint32("endpoint", m.cfg.EndpointID))
		}
	}); err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	if err := ch.AwaitConnect(m.cfg.HandshakeTimeout); err != nil {
		return nil, err
	}
	return &Link{Slot: slot, Channel: ch, Pipeline: p, Buffers: bufs}, nil
}

// Link returns the instance with the given index.
func (m *Manager) Link(index int) (*Link, bool) {
	return m.links.Get(strconv.Itoa(index))
}

// Links returns every running instance ordered by index.
func (m *Manager) Links() []*Link {
	links := make([]*Link, 0, m.links.Count())
	for _, l := range m.links.Items() {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Slot.Index < links[j].Slot.Index })
	return links
}

// Stop tears down every link, the pool and the mapping. It is safe to call
// more than once.
func (m *Manager) Stop() error {
	if !m.started.Load() || m.stopped.Swap(true) {
		return nil
	}
	m.running.Store(false)
	return m.teardown()
}

func (m *Manager) teardown() error {
	var err error
	for _, l := range m.Links() {
		err = multierr.Append(err, l.stop())
		m.links.Remove(strconv.Itoa(l.Slot.Index))
	}
	if m.pool != nil {
		m.pool.Release()
	}
	if m.region != nil {
		err = multierr.Append(err, m.region.Close())
	}
	return err
}

// Live fails once any link faulted.
func (m *Manager) Live() error {
	if !m.running.Load() {
		return ErrNotStarted
	}
	for _, l := range m.Links() {
		if l.Channel.State() == ipc.StateFaulted {
			return fmt.Errorf("instance %d: %w", l.Slot.Index, ipc.ErrFaulted)
		}
	}
	return nil
}

// Ready fails until every configured instance is bound.
func (m *Manager) Ready() error {
	if err := m.Live(); err != nil {
		return err
	}
	links := m.Links()
	if len(links) != m.cfg.Instances {
		return fmt.Errorf("%d of %d instances running", len(links), m.cfg.Instances)
	}
	for _, l := range links {
		if s := l.Channel.State(); s != ipc.StateBound {
			return fmt.Errorf("instance %d is %s", l.Slot.Index, s)
		}
	}
	return nil
}

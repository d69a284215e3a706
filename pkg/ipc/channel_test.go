package ipc

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/amp-ipc/pkg/layout"
	"github.com/srediag/amp-ipc/pkg/vring"
)

type side struct {
	ch     *Channel
	bridge *Bridge
	events []Event
	mu     sync.Mutex
}

func (s *side) handler(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Data != nil {
		ev.Data = append([]byte(nil), ev.Data...)
	}
	s.events = append(s.events, ev)
}

func (s *side) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventKind
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type ChannelTestSuite struct {
	suite.Suite
	mem    []byte
	slot   layout.Slot
	host   *side
	remote *side
}

func (s *ChannelTestSuite) SetupTest() {
	slots, err := layout.PlanFixed(layout.Region{Size: layout.InstanceSize(2)}, 1, 2)
	s.Require().NoError(err)
	s.slot = slots[0]
	s.mem = make([]byte, s.slot.Size)

	hostBell, remoteBell := NewLoopbackPair()
	s.host = &side{bridge: NewBridge()}
	s.remote = &side{bridge: NewBridge()}
	s.host.ch = NewChannel(Config{
		Role:        RoleHost,
		Slot:        s.slot,
		Mem:         s.mem,
		Doorbell:    hostBell,
		Notify:      s.host.bridge.Notify,
		SendTimeout: 20 * time.Millisecond,
	})
	s.remote.ch = NewChannel(Config{
		Role:        RoleRemote,
		Slot:        s.slot,
		Mem:         s.mem,
		Doorbell:    remoteBell,
		Notify:      s.remote.bridge.Notify,
		InitTimeout: time.Second,
		SendTimeout: 20 * time.Millisecond,
	})
}

func (s *ChannelTestSuite) initBoth() {
	ctx := context.Background()
	s.Require().NoError(s.host.ch.Init(ctx))
	s.Require().NoError(s.remote.ch.Init(ctx))
	s.Equal(StateAwaitingPeer, s.host.ch.State())
	s.Equal(StateAwaitingPeer, s.remote.ch.State())
}

// connect runs the handshake by draining both sides by hand.
func (s *ChannelTestSuite) connect() {
	s.initBoth()
	_, err := s.host.ch.Bind(1, s.host.handler)
	s.Require().NoError(err)
	_, err = s.remote.ch.Bind(1, s.remote.handler)
	s.Require().NoError(err)

	scratch := make([]byte, MaxPayload)
	for _, sd := range []*side{s.host, s.remote, s.host} {
		_, err := sd.ch.ReceiveOne(scratch)
		s.Require().ErrorIs(err, ErrEmpty)
	}
	s.Require().Equal(StateBound, s.host.ch.State())
	s.Require().Equal(StateBound, s.remote.ch.State())
	s.Require().NoError(s.host.ch.AwaitConnect(time.Second))
	s.Require().NoError(s.remote.ch.AwaitConnect(time.Second))
}

func (s *ChannelTestSuite) TestHandshake() {
	s.connect()
	s.Equal([]EventKind{EventConnected}, s.host.kinds())
	s.Equal([]EventKind{EventConnected}, s.remote.kinds())
	// Two handshake messages sent and two received per side.
	s.Equal(uint64(4), s.host.ch.Stats().HandshakeMsgs)
	s.Equal(uint64(4), s.remote.ch.Stats().HandshakeMsgs)
}

func (s *ChannelTestSuite) TestExchangeInOrder() {
	s.connect()
	scratch := make([]byte, MaxPayload)

	s.Require().NoError(s.host.ch.Send([]byte("one")))
	s.Require().NoError(s.host.ch.Send([]byte("two")))
	for _, want := range []string{"one", "two"} {
		n, err := s.remote.ch.ReceiveOne(scratch)
		s.Require().NoError(err)
		s.Equal(want, string(scratch[:n]))
	}

	s.Require().NoError(s.remote.ch.Endpoint().Send(bytes.Repeat([]byte{7}, MaxPayload)))
	n, err := s.host.ch.ReceiveOne(scratch)
	s.Require().NoError(err)
	s.Equal(MaxPayload, n)

	s.Equal(uint64(2), s.remote.ch.Stats().Received)
	s.Equal(uint64(1), s.remote.ch.Stats().Sent)
	s.Equal([]EventKind{EventConnected, EventData}, s.host.kinds())
}

func (s *ChannelTestSuite) TestCoalescedNotification() {
	s.connect()
	for s.remote.bridge.Pending() > 0 {
		s.Require().NoError(s.remote.bridge.Wait(context.Background()))
	}
	before := s.remote.ch.Stats().EmptyReceives

	s.Require().NoError(s.host.ch.Send([]byte("only")))
	s.remote.bridge.Notify()
	s.Equal(int64(2), s.remote.bridge.Pending())

	scratch := make([]byte, MaxPayload)
	ctx := context.Background()
	s.Require().NoError(s.remote.bridge.Wait(ctx))
	n, err := s.remote.ch.ReceiveOne(scratch)
	s.Require().NoError(err)
	s.Equal("only", string(scratch[:n]))

	s.Require().NoError(s.remote.bridge.Wait(ctx))
	_, err = s.remote.ch.ReceiveOne(scratch)
	s.ErrorIs(err, ErrEmpty)
	s.Equal(before+1, s.remote.ch.Stats().EmptyReceives)
	s.Equal(StateBound, s.remote.ch.State())
}

func (s *ChannelTestSuite) TestSendBeforeBound() {
	s.initBoth()
	s.ErrorIs(s.host.ch.Send([]byte("x")), ErrNotBound)

	ep, err := s.host.ch.Bind(1, nil)
	s.Require().NoError(err)
	snapshot := append([]byte(nil), s.mem...)
	s.ErrorIs(ep.Send([]byte("x")), ErrNotBound)
	s.ErrorIs(s.host.ch.Send(nil), ErrNotBound)
	s.Equal(snapshot, s.mem)
}

func (s *ChannelTestSuite) TestAwaitConnectTimeout() {
	s.Require().NoError(s.host.ch.Init(context.Background()))
	_, err := s.host.ch.Bind(1, nil)
	s.Require().NoError(err)

	start := time.Now()
	err = s.host.ch.AwaitConnect(30 * time.Millisecond)
	s.ErrorIs(err, ErrHandshakeTimeout)
	s.Less(time.Since(start), time.Second)
	s.Equal(StateFaulted, s.host.ch.State())

	s.ErrorIs(s.host.ch.AwaitConnect(time.Second), ErrFaulted)
	s.ErrorIs(s.host.ch.Send([]byte("x")), ErrNotBound)
	_, err = s.host.ch.ReceiveOne(make([]byte, 8))
	s.ErrorIs(err, ErrFaulted)
}

func (s *ChannelTestSuite) TestUnknownEndpoint() {
	s.initBoth()
	_, err := s.host.ch.Bind(1, nil)
	s.Require().NoError(err)
	_, err = s.remote.ch.Bind(2, nil)
	s.Require().NoError(err)

	_, err = s.host.ch.ReceiveOne(make([]byte, 8))
	s.ErrorIs(err, ErrUnknownEndpoint)
	s.Equal(uint64(1), s.host.ch.Stats().UnknownDropped)
	_, err = s.host.ch.ReceiveOne(make([]byte, 8))
	s.ErrorIs(err, ErrEmpty)
	s.Equal(StateAwaitingPeer, s.host.ch.State())
}

func (s *ChannelTestSuite) TestSendLimits() {
	s.connect()
	s.ErrorIs(s.host.ch.Send(make([]byte, MaxPayload+1)), ErrMessageTooLarge)

	for i := 0; i < s.slot.RingSize; i++ {
		s.Require().NoError(s.host.ch.Send([]byte{byte(i)}))
	}
	s.ErrorIs(s.host.ch.Send([]byte{9}), vring.ErrRingFull)

	n, err := s.remote.ch.ReceiveOne(make([]byte, 8))
	s.Require().NoError(err)
	s.Equal(1, n)
	s.NoError(s.host.ch.Send([]byte{9}))
}

func (s *ChannelTestSuite) TestScratchTooSmall() {
	s.connect()
	s.Require().NoError(s.host.ch.Send([]byte("too long")))
	_, err := s.remote.ch.ReceiveOne(make([]byte, 2))
	s.ErrorIs(err, ErrScratchTooSmall)
	_, err = s.remote.ch.ReceiveOne(make([]byte, 2))
	s.ErrorIs(err, ErrEmpty)
}

func (s *ChannelTestSuite) TestBindTwice() {
	s.initBoth()
	_, err := s.host.ch.Bind(1, nil)
	s.Require().NoError(err)
	_, err = s.host.ch.Bind(3, nil)
	s.ErrorIs(err, ErrEndpointExists)
}

func (s *ChannelTestSuite) TestCloseStopsSends() {
	s.connect()
	s.Require().NoError(s.host.ch.Close())
	s.ErrorIs(s.host.ch.Send([]byte("x")), ErrClosed)
	s.NoError(s.host.ch.Close())
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

func TestRemoteInitTimesOutWithoutHost(t *testing.T) {
	slots, err := layout.PlanFixed(layout.Region{Size: layout.InstanceSize(1)}, 1, 1)
	require.NoError(t, err)
	_, bell := NewLoopbackPair()
	ch := NewChannel(Config{
		Role:        RoleRemote,
		Slot:        slots[0],
		Mem:         make([]byte, slots[0].Size),
		Doorbell:    bell,
		Notify:      func() {},
		InitTimeout: 30 * time.Millisecond,
	})
	start := time.Now()
	err = ch.Init(context.Background())
	assert.ErrorIs(t, err, ErrInit)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateFaulted, ch.State())
	assert.ErrorIs(t, ch.Init(context.Background()), ErrInit)
}

func TestInitRejectsMismatchedMemory(t *testing.T) {
	slots, err := layout.PlanFixed(layout.Region{Size: layout.InstanceSize(4)}, 1, 4)
	require.NoError(t, err)
	a, _ := NewLoopbackPair()
	ch := NewChannel(Config{
		Slot:     slots[0],
		Mem:      make([]byte, slots[0].Size-1),
		Doorbell: a,
		Notify:   func() {},
	})
	assert.ErrorIs(t, ch.Init(context.Background()), ErrInit)

	ch = NewChannel(Config{Slot: slots[0], Mem: make([]byte, slots[0].Size)})
	assert.ErrorIs(t, ch.Init(context.Background()), ErrInit)
}

// Both sides run a receive worker the way the pipeline does and connect
// without any manual draining.
func TestHandshakeWithWorkers(t *testing.T) {
	slots, err := layout.PlanFixed(layout.Region{Size: layout.InstanceSize(8)}, 1, 8)
	require.NoError(t, err)
	mem := make([]byte, slots[0].Size)
	hb, rb := NewLoopbackPair()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 16)
	start := func(role Role, bell Doorbell) *Channel {
		bridge := NewBridge()
		ch := NewChannel(Config{Role: role, Slot: slots[0], Mem: mem, Doorbell: bell, Notify: bridge.Notify})
		require.NoError(t, ch.Init(ctx))
		go func() {
			scratch := make([]byte, MaxPayload)
			for bridge.Wait(ctx) == nil {
				n, err := ch.ReceiveOne(scratch)
				if err == nil {
					got <- role.String() + ":" + string(scratch[:n])
				}
			}
		}()
		bridge.Notify()
		return ch
	}
	host := start(RoleHost, hb)
	remote := start(RoleRemote, rb)

	_, err = host.Bind(1, nil)
	require.NoError(t, err)
	_, err = remote.Bind(1, nil)
	require.NoError(t, err)
	require.NoError(t, host.AwaitConnect(2*time.Second))
	require.NoError(t, remote.AwaitConnect(2*time.Second))

	require.NoError(t, host.Send([]byte("ping")))
	assert.Equal(t, "remote:ping", <-got)
	require.NoError(t, remote.Send([]byte("pong")))
	assert.Equal(t, "host:pong", <-got)
}

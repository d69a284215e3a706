package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/amp-ipc/pkg/hci"
	"github.com/srediag/amp-ipc/pkg/ipc"
	"github.com/srediag/amp-ipc/pkg/layout"
	"github.com/srediag/amp-ipc/pkg/shm"
)

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = g.Write(m)
	return m.GetGauge().GetValue()
}

type PipelineTestSuite struct {
	suite.Suite
	host, remote *Pipeline
	hostPool     *shm.BufferManager

	mu         sync.Mutex
	sendErrors []error
}

func (s *PipelineTestSuite) newPipeline(role ipc.Role, slot layout.Slot, mem []byte, bell ipc.Doorbell, pool *shm.BufferManager) *Pipeline {
	bridge := ipc.NewBridge()
	ch := ipc.NewChannel(ipc.Config{
		Role:     role,
		Slot:     slot,
		Mem:      mem,
		Doorbell: bell,
		Notify:   bridge.Notify,
	})
	s.Require().NoError(ch.Init(context.Background()))
	p, err := New(Config{
		Channel:  ch,
		Bridge:   bridge,
		Framer:   &hci.Framer{Pool: pool},
		QueueCap: 64,
		OnSendError: func(_ hci.Message, err error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.sendErrors = append(s.sendErrors, err)
		},
	})
	s.Require().NoError(err)
	s.Require().NoError(p.Start())
	return p
}

func (s *PipelineTestSuite) SetupTest() {
	s.sendErrors = nil
	slots, err := layout.PlanFixed(layout.Region{Size: layout.InstanceSize(8)}, 1, 8)
	s.Require().NoError(err)
	mem := make([]byte, slots[0].Size)
	hb, rb := ipc.NewLoopbackPair()

	s.hostPool, err = shm.NewBufferManager(16*1024, shm.DefaultLayout)
	s.Require().NoError(err)
	s.host = s.newPipeline(ipc.RoleHost, slots[0], mem, hb, s.hostPool)
	s.remote = s.newPipeline(ipc.RoleRemote, slots[0], mem, rb, nil)

	_, err = s.host.Channel().Bind(1, nil)
	s.Require().NoError(err)
	_, err = s.remote.Channel().Bind(1, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.host.Channel().AwaitConnect(2 * time.Second))
	s.Require().NoError(s.remote.Channel().AwaitConnect(2 * time.Second))
}

func (s *PipelineTestSuite) TearDownTest() {
	s.NoError(s.host.Stop())
	s.NoError(s.remote.Stop())
}

func (s *PipelineTestSuite) receive(p *Pipeline) *hci.Packet {
	pkt, err := p.PollMessage(2 * time.Second)
	s.Require().NoError(err)
	return pkt
}

func (s *PipelineTestSuite) TestCommandRoundTrip() {
	s.Require().NoError(s.host.SendMessage(hci.Command{Opcode: hci.OpReset}))
	pkt := s.receive(s.remote)
	s.Equal(hci.Command{Opcode: hci.OpReset}, pkt.Message)
	s.NoError(pkt.Release())

	reply := hci.CommandComplete(1, hci.OpReset, hci.StatusSuccess)
	s.Require().NoError(s.remote.SendMessage(reply))
	pkt = s.receive(s.host)
	s.Equal(reply, pkt.Message)
	s.Less(s.hostPool.Free(), s.hostPool.Cap())
	s.NoError(pkt.Release())
	s.Equal(s.hostPool.Cap(), s.hostPool.Free())
}

func (s *PipelineTestSuite) TestOrderPreserved() {
	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			for {
				err := s.remote.SendMessage(hci.ACLData{Handle: uint16(i), Data: []byte{byte(i)}})
				if !errors.Is(err, ErrQueueFull) {
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()
	for i := 0; i < n; i++ {
		pkt := s.receive(s.host)
		acl, ok := pkt.Message.(hci.ACLData)
		s.Require().True(ok)
		s.Equal(uint16(i), acl.Handle)
		s.NoError(pkt.Release())
	}
}

func (s *PipelineTestSuite) TestMalformedMessageDropped() {
	// param_len 5 with four bytes of params.
	s.Require().NoError(s.remote.Channel().Send([]byte{0x01, 0x03, 0x0c, 0x05, 1, 2, 3, 4}))
	s.Require().NoError(s.remote.Channel().Send([]byte{0x7f, 0x00}))
	s.Require().NoError(s.remote.SendMessage(hci.Event{Code: hci.EvtCommandStatus, Params: []byte{0, 1, 3, 0x0c}}))

	pkt := s.receive(s.host)
	s.Equal(hci.TypeEvent, pkt.Type())
	s.NoError(pkt.Release())

	m := s.host.cfg.Metrics
	s.Equal(1.0, counterValue(m.dropped.WithLabelValues("0", ReasonMalformedLength)))
	s.Equal(1.0, counterValue(m.dropped.WithLabelValues("0", ReasonUnknownType)))
	s.Equal(1.0, counterValue(m.rx.WithLabelValues("0", "event")))
	s.Equal(s.hostPool.Cap(), s.hostPool.Free())

	_, err := s.host.PollMessage(20 * time.Millisecond)
	s.ErrorIs(err, ErrTimeout)
}

func (s *PipelineTestSuite) TestEmptyReceiveCounted() {
	empty := s.host.metrics.empty
	s.Eventually(func() bool { return s.host.cfg.Bridge.Pending() == 0 }, time.Second, time.Millisecond)
	before := counterValue(empty)

	s.host.cfg.Bridge.Notify()
	s.Eventually(func() bool { return counterValue(empty) >= before+1 }, time.Second, time.Millisecond)
	s.Equal(ipc.StateBound, s.host.Channel().State())

	s.Require().NoError(s.remote.SendMessage(hci.SCOData{Handle: 3, Data: []byte{1, 2}}))
	pkt := s.receive(s.host)
	s.Equal(hci.SCOData{Handle: 3, Data: []byte{1, 2}}, pkt.Message)
	s.NoError(pkt.Release())
}

func (s *PipelineTestSuite) TestSendErrorSurfaced() {
	s.Require().NoError(s.host.SendMessage(hci.Event{Params: make([]byte, 300)}))
	s.Require().NoError(s.host.SendMessage(hci.ACLData{Data: make([]byte, ipc.MaxPayload)}))
	s.Eventually(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.sendErrors) == 2
	}, time.Second, time.Millisecond)
	s.ErrorIs(s.sendErrors[0], hci.ErrPayloadTooLarge)
	s.ErrorIs(s.sendErrors[1], ipc.ErrMessageTooLarge)
	s.Equal(2.0, counterValue(s.host.metrics.txErrors))
}

func (s *PipelineTestSuite) TestStop() {
	s.Require().NoError(s.remote.SendMessage(hci.Command{Opcode: hci.OpReadLocalVersion}))
	s.Eventually(func() bool { return s.host.rxq.len() == 1 }, time.Second, time.Millisecond)
	s.Eventually(func() bool { return gaugeValue(s.host.metrics.rxQueue) == 1 }, time.Second, time.Millisecond)

	s.Require().NoError(s.host.Stop())
	s.Equal(s.hostPool.Cap(), s.hostPool.Free())
	_, err := s.host.ReceiveMessage()
	s.ErrorIs(err, ErrStopped)
	s.ErrorIs(s.host.SendMessage(hci.Command{}), ErrStopped)
	s.ErrorIs(s.host.Start(), ErrStopped)
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func TestQueueBounds(t *testing.T) {
	q := newQueue(2)
	require.NoError(t, q.put(1))
	require.NoError(t, q.put(2))
	assert.ErrorIs(t, q.put(3), ErrQueueFull)

	v, err := q.pop()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.poll(time.Millisecond)
	require.NoError(t, err)
	_, err = q.poll(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	done := make(chan error)
	go func() {
		_, err := q.pop()
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.dispose()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not return after dispose")
	}
	assert.ErrorIs(t, q.put(4), ErrStopped)
}

func TestNewRequiresChannel(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

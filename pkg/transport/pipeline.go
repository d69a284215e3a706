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
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/srediag/amp-ipc/internal/logging"
	"github.com/srediag/amp-ipc/pkg/hci"
	"github.com/srediag/amp-ipc/pkg/ipc"
	"github.com/srediag/amp-ipc/pkg/shm"
)

const instrumentationName = "github.com/srediag/amp-ipc/pkg/transport"

// Config wires a pipeline to one channel.
type Config struct {
	Channel *ipc.Channel
	// Bridge must be the one the channel's Notify feeds.
	Bridge *ipc.Bridge
	Framer *hci.Framer
	// Pool runs the two workers. When nil the pipeline owns a pool of its own.
	Pool     *ants.Pool
	QueueCap int
	// Metrics may be shared between pipelines. When nil, collectors are
	// registered on a private registry.
	Metrics *Metrics
	Meter   metric.Meter
	Tracer  trace.Tracer
	Logger  *zap.Logger
	// OnSendError is told about every message the channel rejected.
	OnSendError func(hci.Message, error)
}

// Pipeline drains the channel into the RX queue and feeds the TX queue into
// the channel. Exactly one RX worker reads the channel, so messages reach
// the consumer in ring order.
type Pipeline struct {
	cfg      Config
	log      *zap.Logger
	metrics  *instanceMetrics
	rxBytes  metric.Int64Counter
	txBytes  metric.Int64Counter
	tracer   trace.Tracer
	attrs    metric.MeasurementOption
	ownsPool bool

	rxq *queue
	txq *queue

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New builds a pipeline. Workers start with Start.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Channel == nil || cfg.Bridge == nil {
		return nil, errors.New("transport: channel and bridge are required")
	}
	if cfg.Framer == nil {
		cfg.Framer = &hci.Framer{}
	}
	if cfg.Metrics == nil {
		m, err := NewMetrics(prometheus.NewRegistry())
		if err != nil {
			return nil, err
		}
		cfg.Metrics = m
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Named("transport")
	}
	index := cfg.Channel.Slot().Index

	rxBytes, err := cfg.Meter.Int64Counter("ipc.rx.bytes",
		metric.WithDescription("Payload bytes received"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	txBytes, err := cfg.Meter.Int64Counter("ipc.tx.bytes",
		metric.WithDescription("Framed bytes sent"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	ownsPool := false
	if cfg.Pool == nil {
		pool, err := ants.NewPool(2)
		if err != nil {
			return nil, err
		}
		cfg.Pool = pool
		ownsPool = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:      cfg,
		log:      log.With(zap.Int("instance", index)),
		metrics:  cfg.Metrics.forInstance(index),
		rxBytes:  rxBytes,
		txBytes:  txBytes,
		tracer:   cfg.Tracer,
		attrs:    metric.WithAttributes(attribute.Int("ipc.instance", index)),
		ownsPool: ownsPool,
		rxq:      newQueue(cfg.QueueCap),
		txq:      newQueue(cfg.QueueCap),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start submits the RX and TX workers. The RX worker takes one extra wake
// up front to drain anything the peer sent before the doorbell listened.
func (p *Pipeline) Start() error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	p.wg.Add(2)
	if err := p.cfg.Pool.Submit(p.rxLoop); err != nil {
		p.wg.Add(-2)
		return err
	}
	if err := p.cfg.Pool.Submit(p.txLoop); err != nil {
		p.cancel()
		p.wg.Add(-1)
		p.wg.Wait()
		return err
	}
	p.cfg.Bridge.Notify()
	return nil
}

// Stop ends both workers and releases messages still queued. It blocks until
// the workers returned.
func (p *Pipeline) Stop() error {
	if p.stopped.Swap(true) {
		return nil
	}
	p.cancel()
	p.txq.dispose()
	for _, v := range p.rxq.dispose() {
		if pkt, ok := v.(*hci.Packet); ok {
			_ = pkt.Release()
		}
	}
	p.wg.Wait()
	p.metrics.rxQueue.Set(0)
	if p.ownsPool {
		p.cfg.Pool.Release()
	}
	return nil
}

// SendMessage queues m. Messages queued before the handshake completes are
// sent once it does.
func (p *Pipeline) SendMessage(m hci.Message) error {
	if m == nil {
		return errors.New("transport: nil message")
	}
	return p.txq.put(m)
}

// ReceiveMessage blocks until a message is available or the pipeline stops.
func (p *Pipeline) ReceiveMessage() (*hci.Packet, error) {
	v, err := p.rxq.pop()
	if err != nil {
		return nil, err
	}
	p.metrics.rxQueue.Set(float64(p.rxq.len()))
	return v.(*hci.Packet), nil
}

// PollMessage waits at most timeout for a message.
func (p *Pipeline) PollMessage(timeout time.Duration) (*hci.Packet, error) {
	v, err := p.rxq.poll(timeout)
	if err != nil {
		return nil, err
	}
	p.metrics.rxQueue.Set(float64(p.rxq.len()))
	return v.(*hci.Packet), nil
}

// Channel returns the channel the pipeline drives.
func (p *Pipeline) Channel() *ipc.Channel {
	return p.cfg.Channel
}

func (p *Pipeline) rxLoop() {
	defer p.wg.Done()
	scratch := make([]byte, ipc.MaxPayload)
	for {
		if err := p.cfg.Bridge.Wait(p.ctx); err != nil {
			return
		}
		p.metrics.notifications.Inc()

		n, err := p.cfg.Channel.ReceiveOne(scratch)
		switch {
		case err == nil:
		case errors.Is(err, ipc.ErrEmpty):
			p.metrics.empty.Inc()
			continue
		case errors.Is(err, ipc.ErrFaulted):
			p.log.Error("channel faulted, rx worker exiting")
			return
		default:
			p.metrics.drop(ReasonChannel)
			p.log.Warn("receive failed", zap.Error(err))
			continue
		}

		pkt, err := p.cfg.Framer.Decode(scratch[:n])
		if err != nil {
			p.metrics.drop(dropReason(err))
			p.log.Warn("dropping undecodable message", zap.Int("len", n), zap.Error(err))
			continue
		}
		if err := p.rxq.put(pkt); err != nil {
			_ = pkt.Release()
			if errors.Is(err, ErrStopped) {
				return
			}
			p.metrics.drop(ReasonQueueFull)
			p.log.Warn("rx queue full, dropping message", zap.Stringer("type", pkt.Type()))
			continue
		}
		p.metrics.rxQueue.Set(float64(p.rxq.len()))
		p.metrics.received(pkt.Type().String())
		p.rxBytes.Add(p.ctx, int64(n), p.attrs)
		runtime.Gosched()
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, hci.ErrMalformedLength):
		return ReasonMalformedLength
	case errors.Is(err, hci.ErrUnknownPacketType):
		return ReasonUnknownType
	case errors.Is(err, shm.ErrNoBuffers), errors.Is(err, shm.ErrBufferTooLarge):
		return ReasonNoBuffers
	default:
		return ReasonChannel
	}
}

func (p *Pipeline) txLoop() {
	defer p.wg.Done()
	select {
	case <-p.cfg.Channel.Connected():
	case <-p.ctx.Done():
		return
	}
	for {
		v, err := p.txq.pop()
		if err != nil {
			return
		}
		p.send(v.(hci.Message))
	}
}

func (p *Pipeline) send(m hci.Message) {
	_, span := p.tracer.Start(p.ctx, "ipc.send", trace.WithAttributes(
		attribute.String("hci.type", m.Type().String()),
	))
	defer span.End()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var err error
	buf.B, err = hci.AppendEncode(buf.B[:0], m)
	if err == nil {
		err = p.cfg.Channel.Send(buf.B)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.txErrors.Inc()
		p.log.Warn("send failed", zap.Stringer("type", m.Type()), zap.Error(err))
		if p.cfg.OnSendError != nil {
			p.cfg.OnSendError(m, err)
		}
		return
	}
	p.metrics.sent(m.Type().String())
	p.txBytes.Add(p.ctx, int64(len(buf.B)), p.attrs)
}

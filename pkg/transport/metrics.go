package transport

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the reason label of ipc_rx_dropped_total.
const (
	ReasonMalformedLength = "malformed_length"
	ReasonUnknownType     = "unknown_type"
	ReasonNoBuffers       = "no_buffers"
	ReasonQueueFull       = "queue_full"
	ReasonChannel         = "channel"
)

// Metrics holds the pipeline collectors. One Metrics serves every pipeline
// registered on the same registry, each under its own instance label.
type Metrics struct {
	notifications *prometheus.CounterVec
	empty         *prometheus.CounterVec
	rx            *prometheus.CounterVec
	tx            *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	txErrors      *prometheus.CounterVec
	rxQueue       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipc_notifications_total",
			Help: "Peer notifications taken by the RX worker.",
		}, []string{"instance"}),
		empty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipc_empty_receives_total",
			Help: "Notifications that found no message in the RX ring.",
		}, []string{"instance"}),
		rx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipc_rx_messages_total",
			Help: "Messages decoded and queued for the consumer.",
		}, []string{"instance", "type"}),
		tx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipc_tx_messages_total",
			Help: "Messages handed to the channel.",
		}, []string{"instance", "type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipc_rx_dropped_total",
			Help: "Received messages dropped before reaching the consumer.",
		}, []string{"instance", "reason"}),
		txErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipc_tx_errors_total",
			Help: "Messages the channel failed to send.",
		}, []string{"instance"}),
		rxQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ipc_rx_queue_depth",
			Help: "Decoded messages waiting for the consumer.",
		}, []string{"instance"}),
	}
	for _, c := range []prometheus.Collector{m.notifications, m.empty, m.rx, m.tx, m.dropped, m.txErrors, m.rxQueue} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type instanceMetrics struct {
	m             *Metrics
	instance      string
	notifications prometheus.Counter
	empty         prometheus.Counter
	txErrors      prometheus.Counter
	rxQueue       prometheus.Gauge
}

func (m *Metrics) forInstance(index int) *instanceMetrics {
	inst := strconv.Itoa(index)
	return &instanceMetrics{
		m:             m,
		instance:      inst,
		notifications: m.notifications.WithLabelValues(inst),
		empty:         m.empty.WithLabelValues(inst),
		txErrors:      m.txErrors.WithLabelValues(inst),
		rxQueue:       m.rxQueue.WithLabelValues(inst),
	}
}

func (im *instanceMetrics) received(typ string) {
	im.m.rx.WithLabelValues(im.instance, typ).Inc()
}

func (im *instanceMetrics) sent(typ string) {
	im.m.tx.WithLabelValues(im.instance, typ).Inc()
}

func (im *instanceMetrics) drop(reason string) {
	im.m.dropped.WithLabelValues(im.instance, reason).Inc()
}

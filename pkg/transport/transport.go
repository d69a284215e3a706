// Package transport runs the RX and TX workers that move HCI messages between
// an ipc.Channel and the consumer-facing queues.
package transport

import (
	"errors"
	"time"

	"github.com/srediag/amp-ipc/api"
	"github.com/srediag/amp-ipc/pkg/hci"
)

var (
	// ErrStopped is returned once the pipeline has been stopped.
	ErrStopped = errors.New("transport: stopped")
	// ErrQueueFull is returned when a queue is at capacity.
	ErrQueueFull = errors.New("transport: queue full")
	// ErrTimeout is returned by PollMessage when nothing arrived in time.
	ErrTimeout = errors.New("transport: receive timeout")
)

// Transport moves typed messages to and from the peer.
type Transport interface {
	api.Transport
	// Start the workers.
	Start() error
	// Stop the workers and release queued messages.
	Stop() error
	// PollMessage is ReceiveMessage with a timeout.
	PollMessage(timeout time.Duration) (*hci.Packet, error)
}

var _ Transport = (*Pipeline)(nil)

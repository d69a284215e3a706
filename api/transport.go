// Package api defines the public contracts of amp-ipc.
package api

import "github.com/srediag/amp-ipc/pkg/hci"

// Transport is what a protocol stack sees of one IPC link: a push for
// outgoing messages and a pull for decoded incoming ones.
type Transport interface {
	SendMessage(m hci.Message) error
	// ReceiveMessage blocks for the next message. The caller releases the
	// packet once done with its payload.
	ReceiveMessage() (*hci.Packet, error)
}

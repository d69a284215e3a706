package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/srediag/amp-ipc/api"
	"github.com/srediag/amp-ipc/pkg/hci"
	"github.com/srediag/amp-ipc/pkg/transport"
)

// localVersion is the Read Local Version Information return block:
// HCI version, revision, LMP version, manufacturer, LMP subversion.
var localVersion = []byte{0x0d, 0x00, 0x00, 0x0d, 0xff, 0xff, 0x00, 0x00}

// answer returns the event the remote replies to cmd with.
func answer(cmd hci.Command) hci.Message {
	switch cmd.Opcode {
	case hci.OpReset:
		return hci.CommandComplete(1, cmd.Opcode, hci.StatusSuccess)
	case hci.OpReadLocalVersion:
		return hci.CommandComplete(1, cmd.Opcode, append([]byte{hci.StatusSuccess}, localVersion...)...)
	default:
		return hci.CommandComplete(1, cmd.Opcode, hci.StatusUnknownOpcode)
	}
}

func ignoreStopped(err error) error {
	if errors.Is(err, transport.ErrStopped) {
		return nil
	}
	return err
}

// serveRemote answers every command arriving on t until t stops.
func serveRemote(t api.Transport, log *zap.Logger) error {
	for {
		pkt, err := t.ReceiveMessage()
		if err != nil {
			return ignoreStopped(err)
		}
		cmd, ok := pkt.Message.(hci.Command)
		if !ok {
			log.Debug("ignoring non-command message", zap.Stringer("type", pkt.Type()))
			_ = pkt.Release()
			continue
		}
		reply := answer(cmd)
		_ = pkt.Release()
		if err := t.SendMessage(reply); err != nil {
			return ignoreStopped(err)
		}
	}
}

// resetLink sends HCI_Reset and waits for its Command Complete.
func resetLink(t api.Transport) error {
	if err := t.SendMessage(hci.Command{Opcode: hci.OpReset}); err != nil {
		return err
	}
	for {
		pkt, err := t.ReceiveMessage()
		if err != nil {
			return err
		}
		ev, ok := pkt.Message.(hci.Event)
		if !ok || ev.Code != hci.EvtCommandComplete || len(ev.Params) < 4 {
			_ = pkt.Release()
			continue
		}
		opcode := uint16(ev.Params[1]) | uint16(ev.Params[2])<<8
		status := ev.Params[3]
		_ = pkt.Release()
		if opcode != hci.OpReset {
			continue
		}
		if status != hci.StatusSuccess {
			return fmt.Errorf("reset failed with status 0x%02x", status)
		}
		return nil
	}
}

// logIncoming logs every message arriving on t until t stops.
func logIncoming(t api.Transport, log *zap.Logger) error {
	for {
		pkt, err := t.ReceiveMessage()
		if err != nil {
			return ignoreStopped(err)
		}
		log.Debug("message received", zap.Stringer("type", pkt.Type()), zap.Int("len", len(pkt.Payload())))
		_ = pkt.Release()
	}
}

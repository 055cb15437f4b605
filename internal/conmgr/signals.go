package conmgr

import (
	"os"

	"github.com/relayforge/conmgr/internal/signalchan"
)

// StartSignalChannel wires a signalchan.Channel into the manager: the
// pipe's read end is registered as a Raw connection whose OnData drains
// delivered signal numbers and dispatches registered signal-work, exactly
// as spec.md §4.5 describes (mechanism adapted to Go — see
// internal/signalchan's package doc and DESIGN.md).
func (m *Manager) StartSignalChannel(sigs ...os.Signal) (*signalchan.Channel, error) {
	ch := signalchan.New(m.log)
	readFD, err := ch.Start(sigs...)
	if err != nil {
		return nil, err
	}
	_, err = m.AddConnection(readFD, noFD, "signalchan", Raw, Events{
		OnData: func(con *Connection, arg any) error {
			data := GetInBuffer(con)
			n := ch.HandleData(data)
			MarkConsumedInBuffer(con, n)
			return nil
		},
	}, nil, false, false)
	if err != nil {
		ch.Stop()
		return nil, err
	}
	return ch, nil
}

// RegisterSignalWork adds a callback invoked on every future delivery of
// signo.
func RegisterSignalWork(ch *signalchan.Channel, signo int, fn func()) {
	ch.RegisterWork(signo, fn)
}

package main

import (
	"bytes"
	"errors"
	"io"

	"github.com/gobwas/ws"
	"github.com/relayforge/conmgr/internal/conmgr"
)

// wsFramePump is a FramePump implementation demonstrating how an opaque
// message codec plugs into a Rpc-type connection: it decodes WebSocket
// frames (RFC 6455 framing, via gobwas/ws — the same library the teacher
// uses for its client-facing upgrade/read/write path) directly out of
// conmgr's in-memory input buffer, rather than off a net.Conn, since
// conmgr owns the byte stream itself. It does not perform the HTTP Upgrade
// handshake; that negotiation is expected to have already happened (or be
// absent, for a raw framed peer) before the connection is handed to conmgr
// as Rpc-typed.
func wsFramePump(data []byte) (consumed int, payload []byte, opcode ws.OpCode, ok bool) {
	r := bytes.NewReader(data)
	header, err := ws.ReadHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, 0, false // incomplete header, wait for more bytes
		}
		return 0, nil, 0, false
	}
	headerLen := len(data) - r.Len()
	need := headerLen + int(header.Length)
	if len(data) < need {
		return 0, nil, 0, false // header parsed but payload not fully buffered yet
	}
	body := make([]byte, header.Length)
	copy(body, data[headerLen:need])
	if header.Masked {
		ws.Cipher(body, header.Mask, 0)
	}
	return need, body, header.OpCode, true
}

// framePump adapts wsFramePump to the conmgr.Events.FramePump contract,
// looping until a partial/absent frame stops progress and invoking emit
// once per decoded message (control frames are surfaced too, with their
// opcode in wsMessage.Opcode; the demo handler in main.go only logs the
// payload length and does not look at the opcode).
func framePump(_ *conmgr.Connection, _ any, data []byte, emit func(msg any)) int {
	total := 0
	for {
		n, payload, opcode, ok := wsFramePump(data[total:])
		if !ok {
			return total
		}
		emit(wsMessage{Opcode: opcode, Payload: payload})
		total += n
	}
}

// wsMessage is the decoded unit handed to OnMsg.
type wsMessage struct {
	Opcode  ws.OpCode
	Payload []byte
}

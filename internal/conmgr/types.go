package conmgr

import "github.com/relayforge/conmgr/internal/poll"

// ConType selects how a connection's input is interpreted.
type ConType int

const (
	// Raw delivers accumulated bytes via OnData.
	Raw ConType = iota
	// Rpc delivers framed messages via OnMsg, decoded by an external
	// codec the caller supplies through the FramePump hook.
	Rpc
)

func (t ConType) String() string {
	if t == Rpc {
		return "rpc"
	}
	return "raw"
}

// Status is the read-only snapshot returned by GetStatus. It is only valid
// to call GetStatus from inside a callback (it asserts workActive).
type Status struct {
	IsSocket     bool
	UnixSocket   bool
	IsListen     bool
	ReadEOF      bool
	IsConnected  bool
}

// WorkStatus is passed to cancelled work so handlers can distinguish a
// normal dispatch from a manager shutdown.
type WorkStatus int

const (
	// Normal indicates the work item is running under ordinary dispatch.
	Normal WorkStatus = iota
	// Cancelled indicates the manager is shutting down; handlers must
	// tolerate this and release resources without assuming I/O is safe.
	Cancelled
)

// Events is the immutable set of callback hooks a connection is
// constructed with. At least OnData (Raw) or OnMsg (Rpc) must be set.
type Events struct {
	// OnConnection is called at most once: after a Connected-mode fd
	// finishes connecting, or right after a listener accepts the
	// connection. AddConnection by itself does not fire it, and a failed
	// connect closes the connection without it. Its return value becomes
	// arg for later callbacks; returning (nil, false) closes the
	// connection immediately without further callbacks other than
	// OnFinish.
	OnConnection func(con *Connection, arg any) (newArg any, ok bool)

	// OnData is invoked for Raw connections when bytes are available.
	// A non-nil error closes the connection.
	OnData func(con *Connection, arg any) error

	// OnMsg is invoked for Rpc connections once per decoded message, as
	// produced by FramePump.
	OnMsg func(con *Connection, arg any, msg any)

	// FramePump is the external message-framing pump for Rpc
	// connections: given the unconsumed input buffer, it must decode
	// zero or more whole messages, invoking emit for each, and return
	// the number of bytes it consumed. The framing itself is opaque to
	// conmgr; only this contract is required. Required when Type is Rpc.
	FramePump func(con *Connection, arg any, data []byte, emit func(msg any)) (consumed int)

	// OnFinish is called exactly once, last, when the connection is
	// fully drained.
	OnFinish func(con *Connection, arg any, status WorkStatus)

	// OnFingerprint, if set, is consulted on the first bytes read and
	// may switch the connection's type before any other data callback
	// fires.
	OnFingerprint func(con *Connection, head []byte) (ConType, bool)
}

// workItem is one queued callback invocation. kind distinguishes ordinary
// data-driven work from deferred-close and write-complete work; dispatch
// uses it only as the metrics label, and every kind runs under the same
// one-at-a-time rule.
type workKind int

const (
	workData workKind = iota
	workWriteComplete
	workDeferredClose
	workSignal
)

type workItem struct {
	kind workKind
	fn   func(status WorkStatus)
}

// PollMode is reexported so other conmgr files can reference poll.Mode
// without importing the poll package directly everywhere.
type PollMode = poll.Mode

const (
	PollNone        = poll.None
	PollConnected   = poll.Connected
	PollReadOnly    = poll.ReadOnly
	PollWriteOnly   = poll.WriteOnly
	PollReadWrite   = poll.ReadWrite
	PollListen      = poll.Listen
	PollUnsupported = poll.Unsupported
)

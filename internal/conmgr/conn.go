package conmgr

import (
	"sync"
)

const noFD = -1

// Connection is one managed endpoint wrapping one or two file descriptors.
// The Manager exclusively owns every Connection; callbacks receive a
// borrowed *Connection valid only for the duration of the callback — never
// retain one past return, the same discipline the teacher's Connection
// type uses for its websocket net.Conn (owned by the ConnectionManager,
// looked up fresh on every dispatch rather than cached by callers).
type Connection struct {
	mu sync.Mutex

	name string
	typ  ConType
	events Events
	arg    any

	inputFD  int
	outputFD int

	isSocket    bool
	isListen    bool
	isConnected bool
	readEOF     bool
	workActive  bool
	waitOnFinish bool

	unixSocketPath string
	address        string

	pollingInput  PollMode
	pollingOutput PollMode

	in  *inBuffer
	out *outQueue

	work             []workItem
	writeCompleteWork []workItem

	mss int

	softCap int

	finished        bool
	finishScheduled bool
	fingerprinted   bool
}

func newConnection(name string, typ ConType, ev Events, inputFD, outputFD int, isSocket, isListen bool) *Connection {
	return &Connection{
		name:          name,
		typ:           typ,
		events:        ev,
		inputFD:       inputFD,
		outputFD:      outputFD,
		isSocket:      isSocket,
		isListen:      isListen,
		pollingInput:  PollNone,
		pollingOutput: PollNone,
		in:            newInBuffer(),
		out:           &outQueue{},
		mss:           -1,
	}
}

// Name returns the connection's human-readable label, derived once at
// construction and never mutated afterward.
func (c *Connection) Name() string {
	return c.name
}

// Type returns the connection's current framing type (Raw or Rpc).
func (c *Connection) Type() ConType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typ
}

// wantRead/wantWrite/closed/etc. are computed by the state machine under
// the connection's own mutex (con.mu); see statemachine.go.

func (c *Connection) hasWork() bool {
	return len(c.work) > 0
}

func (c *Connection) pushWork(item workItem) {
	c.work = append(c.work, item)
}

func (c *Connection) popWork() (workItem, bool) {
	if len(c.work) == 0 {
		return workItem{}, false
	}
	item := c.work[0]
	c.work = c.work[1:]
	return item, true
}

func (c *Connection) pushWriteComplete(item workItem) {
	c.writeCompleteWork = append(c.writeCompleteWork, item)
}

// drainWriteComplete moves all write-complete work onto the ordinary work
// queue once out is empty; called by the state machine after a write drains
// the queue to nothing.
func (c *Connection) drainWriteComplete() {
	if len(c.writeCompleteWork) == 0 {
		return
	}
	c.work = append(c.work, c.writeCompleteWork...)
	c.writeCompleteWork = nil
}

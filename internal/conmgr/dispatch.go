package conmgr

import (
	"github.com/relayforge/conmgr/internal/metrics"
	"golang.org/x/sys/unix"
)

func workKindLabel(k workKind) string {
	switch k {
	case workWriteComplete:
		return "write_complete"
	case workDeferredClose:
		return "close"
	case workSignal:
		return "signal"
	default:
		return "data"
	}
}

// runEligibleWorkLocked pops and submits the next work item if none is
// currently active. Caller must hold con.mu; it does not release or
// reacquire con.mu itself (the submitted goroutine manages its own
// locking once it runs, off the caller's stack).
func (m *Manager) runEligibleWorkLocked(con *Connection) {
	if con.workActive || !con.hasWork() {
		return
	}
	item, ok := con.popWork()
	if !ok {
		return
	}
	con.workActive = true
	status := Normal
	if m.shuttingDown.Load() {
		status = Cancelled
	}

	m.pool.Submit(func() {
		metrics.WorkDispatchedTotal.WithLabelValues(workKindLabel(item.kind)).Inc()
		item.fn(status)

		con.mu.Lock()
		con.workActive = false
		hasMore := con.hasWork()
		con.mu.Unlock()
		m.wake()

		if hasMore {
			con.mu.Lock()
			m.runEligibleWorkLocked(con)
			con.mu.Unlock()
		}
	})
}

// enqueueData is called after a successful read. For Raw connections it
// queues an OnData dispatch; for Rpc connections it queues a run of the
// external frame pump. Runs the optional fingerprint hook once, on the
// first bytes seen, before either.
func (m *Manager) enqueueData(con *Connection) {
	if !con.fingerprinted {
		if con.events.OnFingerprint != nil {
			if t, ok := con.events.OnFingerprint(con, con.in.unconsumed()); ok {
				con.typ = t
			}
		}
		con.fingerprinted = true
	}
	typ := con.typ
	item := workItem{kind: workData, fn: func(status WorkStatus) {
		if status == Cancelled {
			return
		}
		if typ == Rpc {
			m.runFramePump(con)
			return
		}
		if con.events.OnData == nil {
			return
		}
		if err := con.events.OnData(con, con.arg); err != nil {
			con.mu.Lock()
			m.closeCon(con)
			con.mu.Unlock()
		}
	}}
	con.pushWork(item)
	m.runEligibleWorkLocked(con)
	metrics.WorkQueueDepth.Set(float64(len(con.work)))
}

// runFramePump drives the external FramePump hook until it stops making
// progress, invoking OnMsg for every message it emits.
func (m *Manager) runFramePump(con *Connection) {
	for {
		con.mu.Lock()
		data := con.in.unconsumed()
		pump := con.events.FramePump
		onMsg := con.events.OnMsg
		arg := con.arg
		con.mu.Unlock()
		if pump == nil || len(data) == 0 {
			return
		}
		consumed := pump(con, arg, data, func(msg any) {
			if onMsg != nil {
				onMsg(con, arg, msg)
			}
		})
		if consumed <= 0 {
			return
		}
		con.mu.Lock()
		con.in.markConsumed(consumed)
		con.mu.Unlock()
	}
}

// enqueueConnection queues the one-time OnConnection dispatch fired after
// an outbound connect completes or an inbound connection is accepted.
func (m *Manager) enqueueConnection(con *Connection) {
	item := workItem{kind: workData, fn: func(status WorkStatus) {
		if status == Cancelled || con.events.OnConnection == nil {
			return
		}
		newArg, ok := con.events.OnConnection(con, con.arg)
		con.mu.Lock()
		if !ok {
			m.closeCon(con)
			con.mu.Unlock()
			return
		}
		con.arg = newArg
		con.mu.Unlock()
	}}
	con.pushWork(item)
	m.runEligibleWorkLocked(con)
}

// scheduleFinish enqueues the terminal OnFinish dispatch once a connection
// is Drained (input closed, output empty, no work in flight). Idempotent.
func (m *Manager) scheduleFinish(con *Connection) {
	if con.finishScheduled || con.finished {
		return
	}
	con.finishScheduled = true
	if con.outputFD != noFD {
		m.pc.Unlink(con.outputFD, con.name, "scheduleFinish")
		_ = unix.Close(con.outputFD)
		m.byFDDelete(con.outputFD)
		con.outputFD = noFD
	}
	item := workItem{kind: workData, fn: func(status WorkStatus) {
		if con.events.OnFinish != nil {
			con.events.OnFinish(con, con.arg, status)
		}
		con.mu.Lock()
		con.finished = true
		con.mu.Unlock()
	}}
	con.pushWork(item)
	m.runEligibleWorkLocked(con)
}

// closeCon is the idempotent close routine: stop reading, unregister from
// poll, drop in_buffer, shut the input side, set read_eof, clear input_fd.
// Pending out_queue continues to drain. Caller must hold con.mu; m.mu is
// acquired internally as needed. Mirrors con.c's close_con.
func (m *Manager) closeCon(con *Connection) {
	if con.inputFD == noFD {
		return
	}
	if con.isListen && con.unixSocketPath != "" {
		_ = unix.Unlink(con.unixSocketPath)
	}
	sameFD := con.inputFD == con.outputFD && con.outputFD != noFD
	fd := con.inputFD
	m.pc.Unlink(fd, con.name, "closeCon")
	if sameFD {
		_ = unix.Shutdown(fd, unix.SHUT_RD)
	} else {
		_ = unix.Close(fd)
		m.byFDDelete(fd)
	}
	con.inputFD = noFD
	con.readEOF = true
	con.in = newInBuffer()
	m.wake()
}

// closeOutput tears down only the output side, per spec.md §4.2: a write
// error shuts down writing without disturbing a still-open input side, the
// output-side counterpart to closeCon. On a shared fd it shuts down the
// write half only, leaving reads (and poll registration for them) alone; on
// a distinct output fd it unregisters and closes it outright. Any data
// still queued to write is discarded and its write-complete callbacks run
// with Cancelled status, since it can never be delivered. Caller must hold
// con.mu.
func (m *Manager) closeOutput(con *Connection) {
	if con.outputFD == noFD {
		return
	}
	if con.inputFD == con.outputFD {
		_ = unix.Shutdown(con.outputFD, unix.SHUT_WR)
	} else {
		m.pc.Unlink(con.outputFD, con.name, "closeOutput")
		_ = unix.Close(con.outputFD)
		m.byFDDelete(con.outputFD)
	}
	con.outputFD = noFD
	con.out = &outQueue{}
	for _, item := range con.writeCompleteWork {
		item.fn(Cancelled)
	}
	con.writeCompleteWork = nil
	m.wake()
}

// forceClose is used by Shutdown's final phase: closes whatever fds remain
// regardless of drain state. Caller must hold con.mu.
func (m *Manager) forceClose(con *Connection) {
	if con.outputFD != noFD && con.outputFD != con.inputFD {
		m.pc.Unlink(con.outputFD, con.name, "forceClose")
		_ = unix.Close(con.outputFD)
		m.byFDDelete(con.outputFD)
		con.outputFD = noFD
	}
	if con.inputFD != noFD {
		m.pc.Unlink(con.inputFD, con.name, "forceClose")
		_ = unix.Close(con.inputFD)
		m.byFDDelete(con.inputFD)
		con.inputFD = noFD
	}
	con.readEOF = true
	con.finished = true
}

// cancelQueuedWork drains con's work queues, invoking each item once with
// Cancelled status instead of its normal pathway, per spec.md §4.4's
// shutdown cancellation rule. Caller must hold con.mu.
func (m *Manager) cancelQueuedWork(con *Connection) {
	for _, item := range con.work {
		item.fn(Cancelled)
	}
	con.work = nil
	for _, item := range con.writeCompleteWork {
		item.fn(Cancelled)
	}
	con.writeCompleteWork = nil
}

// ---- Connection-facing API (§6), consumed by callback implementations ----

// GetInBuffer borrow-reads the accumulated, unconsumed input.
func GetInBuffer(con *Connection) []byte {
	con.mu.Lock()
	defer con.mu.Unlock()
	return con.in.unconsumed()
}

// MarkConsumedInBuffer advances the consumed offset by n.
func MarkConsumedInBuffer(con *Connection, n int) {
	con.mu.Lock()
	defer con.mu.Unlock()
	con.in.markConsumed(n)
}

// QueueWrite appends data to the connection's out_queue.
func QueueWrite(con *Connection, data []byte) {
	con.mu.Lock()
	defer con.mu.Unlock()
	con.out.push(data)
}

// QueueWriteComplete registers fn to run once out_queue is empty. If it is
// already empty, fn is queued for dispatch immediately.
func QueueWriteComplete(m *Manager, con *Connection, fn func(status WorkStatus)) {
	con.mu.Lock()
	defer con.mu.Unlock()
	item := workItem{kind: workWriteComplete, fn: fn}
	if con.out.empty() {
		con.pushWork(item)
		m.runEligibleWorkLocked(con)
		return
	}
	con.pushWriteComplete(item)
}

// QueueClose requests that con be closed. If a callback is currently
// running on con, the close is deferred: a work item is queued behind the
// running callback, and since work on one connection runs one item at a
// time, it closes con only after that callback has returned.
func QueueClose(m *Manager, con *Connection) {
	con.mu.Lock()
	defer con.mu.Unlock()
	m.queueCloseLocked(con)
}

func (m *Manager) queueCloseLocked(con *Connection) {
	if con.workActive {
		con.pushWork(workItem{kind: workDeferredClose, fn: func(status WorkStatus) {
			con.mu.Lock()
			defer con.mu.Unlock()
			m.closeCon(con)
		}})
		m.runEligibleWorkLocked(con)
		return
	}
	m.closeCon(con)
}

// ChangeMode switches a connection between Raw and Rpc. Pre-buffered input
// is re-dispatched under the new type; a no-op if the type is unchanged,
// mirroring con.c's fd_change_mode.
func ChangeMode(m *Manager, con *Connection, typ ConType) error {
	con.mu.Lock()
	defer con.mu.Unlock()
	if con.typ == typ {
		return nil
	}
	con.typ = typ
	if con.in.len() > 0 {
		m.enqueueData(con)
	}
	return nil
}

// GetStatus returns a read-only snapshot. Only valid from inside a
// callback; asserts work_active, matching spec.md §6.
func GetStatus(con *Connection) Status {
	con.mu.Lock()
	defer con.mu.Unlock()
	if !con.workActive {
		panic("conmgr: GetStatus called outside a callback")
	}
	return Status{
		IsSocket:    con.isSocket,
		UnixSocket:  con.isSocket && con.unixSocketPath != "",
		IsListen:    con.isListen,
		ReadEOF:     con.readEOF,
		IsConnected: con.isConnected,
	}
}

package conmgr

import (
	"fmt"

	"github.com/relayforge/conmgr/internal/metrics"
	"github.com/relayforge/conmgr/internal/poll"
	"golang.org/x/sys/unix"
)

// nextMode evaluates the six rules of the per-connection state machine, top
// to bottom, first match wins, exactly as spec.md §4.2 tabulates them.
// Returns the desired mode and whether the connection is now eligible for
// its finish callback (input closed, nothing left to write, no work
// in flight).
func nextMode(con *Connection) (mode PollMode, readyToFinish bool) {
	if con.inputFD == noFD && con.out.empty() && !con.workActive {
		return poll.None, true
	}
	if con.isListen && con.inputFD >= 0 {
		return poll.Listen, false
	}
	if !con.isConnected && con.outputFD >= 0 {
		return poll.Connected, false
	}
	if con.workActive {
		return poll.None, false
	}
	if con.readEOF && con.out.empty() {
		return poll.None, false
	}
	wantRead := !con.readEOF && con.in.len() < con.softCap
	wantWrite := !con.out.empty()
	switch {
	case wantRead && wantWrite:
		return poll.ReadWrite, false
	case wantRead:
		return poll.ReadOnly, false
	case wantWrite:
		return poll.WriteOnly, false
	default:
		return poll.None, false
	}
}

// refreshPolling recomputes con's desired mode and reconciles it with the
// poll controller via setPolling. Caller must hold con.mu; m.mu must not be
// held (refreshPolling may reach scheduleFinish, which takes m.mu itself).
func (m *Manager) refreshPolling(con *Connection) {
	if con.softCap == 0 {
		con.softCap = m.cfg.InBufferSoftCap
	}
	mode, readyToFinish := nextMode(con)
	if readyToFinish {
		m.scheduleFinish(con)
		return
	}
	m.setPolling(con, mode)
}

// setPolling reconciles a unified desired mode into per-fd modes following
// the mapping table in SPEC_FULL.md §4.1 / spec.md §4.1, then calls into
// the poll controller. If either fd was previously Unsupported it is
// sticky and no further poll calls are made for it.
func (m *Manager) setPolling(con *Connection, desired PollMode) {
	sameFD := con.inputFD == con.outputFD && con.inputFD != noFD

	wantIn, wantOut := desired, desired
	if !sameFD {
		switch desired {
		case poll.ReadOnly:
			wantOut = poll.None
		case poll.WriteOnly:
			wantIn = poll.None
		case poll.ReadWrite:
			wantIn, wantOut = poll.ReadOnly, poll.WriteOnly
		case poll.Listen:
			// listeners never have distinct fds; nothing to split.
		}
	}

	if sameFD {
		// spec.md §9's Open Question: the source both asserts
		// polling_output_fd stays None and conditionally overwrites it
		// when polling_input_fd == Unsupported on a shared fd. That
		// combination is forbidden here: assert, don't silently recover.
		if con.pollingInput == poll.Unsupported {
			if con.pollingOutput != poll.None {
				panic(fmt.Sprintf("conmgr: inconsistent same-fd state for %s: input Unsupported but output=%s", con.name, con.pollingOutput))
			}
			return
		}
	} else if con.pollingInput == poll.Unsupported {
		wantIn = poll.Unsupported
	}
	if con.outputFD != noFD && con.pollingOutput == poll.Unsupported {
		wantOut = poll.Unsupported
	}

	if con.inputFD != noFD && wantIn != poll.Unsupported {
		m.relinkFD(con, con.inputFD, wantIn, &con.pollingInput)
	}
	if !sameFD && con.outputFD != noFD && wantOut != poll.Unsupported {
		m.relinkFD(con, con.outputFD, wantOut, &con.pollingOutput)
	}
}

func (m *Manager) relinkFD(con *Connection, fd int, want PollMode, current *PollMode) {
	if *current == want {
		return
	}
	var err error
	if *current == poll.None {
		err = m.pc.Link(fd, want, con.name, "setPolling")
	} else {
		err = m.pc.Relink(fd, want, con.name, "setPolling")
	}
	if err == poll.ErrUnsupported {
		*current = poll.Unsupported
		m.log.WithField("name", con.name).Debug("conmgr: fd unsupported by poll controller, marking sticky")
		return
	}
	if err != nil {
		m.log.WithError(err).WithField("name", con.name).Warn("conmgr: poll registration failed")
		return
	}
	*current = want
}

// handleReady dispatches one readiness event from the poll controller to
// the owning connection's readiness routine.
func (m *Manager) handleReady(r poll.Ready) {
	con, ok := m.findByFD(r.FD)
	if !ok {
		return
	}
	con.mu.Lock()
	defer con.mu.Unlock()

	if r.Errored {
		m.onPollError(con, r.FD)
		return
	}
	if con.isListen && r.Readable {
		m.onAcceptReady(con)
		return
	}
	if !con.isConnected && con.outputFD == r.FD && (con.pollingOutput == poll.Connected || con.pollingInput == poll.Connected) {
		m.onConnectComplete(con)
		return
	}
	if r.Readable {
		m.onReadReady(con)
	}
	if r.Writable {
		m.onWriteReady(con)
	}
}

// onReadReady reads available bytes into in_buffer and enqueues the
// appropriate dispatch. Grounded on con.c's readiness handling: 0 bytes
// means EOF, EAGAIN is a no-op, any other error closes the connection.
func (m *Manager) onReadReady(con *Connection) {
	buf := make([]byte, 64*1024)
	n, err := unix.Read(con.inputFD, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return
	case n == 0 && err == nil:
		con.readEOF = true
		m.wake()
		return
	case err != nil:
		metrics.TransportErrorsTotal.WithLabelValues("read").Inc()
		m.log.WithError(err).WithField("name", con.name).Debug("conmgr: read error, closing")
		m.closeCon(con)
		return
	}
	metrics.BytesTotal.WithLabelValues("read").Add(float64(n))
	con.in.append(buf[:n])
	m.enqueueData(con)
	m.wake()
}

// onWriteReady writes from the head of out_queue, advancing or popping as
// bytes go out.
func (m *Manager) onWriteReady(con *Connection) {
	head := con.out.head()
	if len(head) == 0 {
		return
	}
	n, err := unix.Write(con.outputFD, head)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}
	if err != nil {
		metrics.TransportErrorsTotal.WithLabelValues("write").Inc()
		m.log.WithError(err).WithField("name", con.name).Debug("conmgr: write error, closing output side")
		m.closeOutput(con)
		return
	}
	metrics.BytesTotal.WithLabelValues("written").Add(float64(n))
	con.out.advance(n)
	if con.out.empty() {
		con.drainWriteComplete()
		m.runEligibleWorkLocked(con)
	}
	m.wake()
}

// onAcceptReady accepts all pending connections non-blockingly, wrapping
// each in a new Connection via AddConnection, inheriting type and events
// from the listener.
func (m *Manager) onAcceptReady(con *Connection) {
	for {
		fd, sa, err := unix.Accept4(con.inputFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				m.log.WithError(err).WithField("name", con.name).Warn("conmgr: accept error")
			}
			return
		}
		name := resolveName(fd, "")
		_ = sa
		newCon, err := m.AddConnection(fd, fd, name, con.typ, con.events, nil, true, false)
		if err != nil {
			m.log.WithError(err).Warn("conmgr: failed to register accepted connection")
			unix.Close(fd)
			continue
		}
		newCon.mu.Lock()
		newCon.isConnected = true
		m.enqueueConnection(newCon)
		newCon.mu.Unlock()
	}
}

// onConnectComplete queries SO_ERROR once a Connected-mode fd becomes
// writable; zero means the connect succeeded, non-zero closes.
func (m *Manager) onConnectComplete(con *Connection) {
	errno, err := unix.GetsockoptInt(con.outputFD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		m.log.WithField("name", con.name).WithField("errno", errno).Debug("conmgr: connect failed")
		m.closeCon(con)
		return
	}
	con.isConnected = true
	m.enqueueConnection(con)
	m.wake()
}

// onPollError retrieves SO_ERROR best-effort for logging, then
// unconditionally closes the connection to prevent poll-loop churn.
func (m *Manager) onPollError(con *Connection, fd int) {
	if con.isSocket {
		if errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && errno != 0 {
			m.log.WithField("name", con.name).WithField("errno", errno).Debug("conmgr: poll error")
		}
	}
	m.closeCon(con)
}

// wakeLocked is wake's historical name; wake needs no lock at all, so this
// is a plain alias that may be called with or without con.mu held.
func (m *Manager) wakeLocked() {
	m.wake()
}

// reapFinished removes every connection whose finish callback has already
// run from the manager's tracking sets. Snapshots the connection set under
// m.mu, then locks each con.mu individually — never both at once.
func (m *Manager) reapFinished() {
	for _, con := range m.Connections() {
		con.mu.Lock()
		done := con.finished
		con.mu.Unlock()
		if done {
			m.remove(con)
		}
	}
}

// remove drops con from the manager's tracking sets. Safe to call without
// any lock held; it takes con.mu and m.mu itself, never nested.
func (m *Manager) remove(con *Connection) {
	con.mu.Lock()
	fds := uniqueFDs(con.inputFD, con.outputFD)
	isListen := con.isListen
	con.mu.Unlock()

	m.mu.Lock()
	for _, fd := range fds {
		delete(m.byFD, fd)
	}
	delete(m.conns, con)
	m.mu.Unlock()

	metrics.ActiveConnections.Dec()
	if isListen {
		metrics.ActiveListeners.Dec()
	}
}

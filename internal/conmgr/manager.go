// Package conmgr implements the connection manager core: a pollable,
// event-driven multiplexer for file-descriptor-backed connections. See
// SPEC_FULL.md for the full design.
package conmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayforge/conmgr/internal/metrics"
	"github.com/relayforge/conmgr/internal/poll"
	"github.com/relayforge/conmgr/internal/workpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Manager owns every Connection, runs the single watch loop that drives
// readiness, and dispatches callback work onto its worker pool. It is the
// conmgr analog of the teacher's Server type: one process-wide mutex
// guarding shared state (conns/byFD bookkeeping only — never held across a
// Connection's own mutex) and a 4-phase graceful Shutdown.
//
// Lock order: con.mu is always a leaf. Code may take m.mu while holding a
// con.mu (a brief, non-blocking map update), but nothing may take a con.mu
// while already holding m.mu — Run, Shutdown and reapFinished snapshot the
// connection set under m.mu, release it, then lock each con.mu individually.
type Manager struct {
	cfg ManagerConfig
	log *logrus.Logger

	pc   poll.Controller
	pool *workpool.Pool

	mu           sync.Mutex
	conns        map[*Connection]struct{}
	byFD         map[int]*Connection
	shuttingDown atomic.Bool
	listenSeen   *listenKeys

	watchDone chan struct{}
}

// New constructs a Manager with its own poll controller and worker pool.
func New(cfg ManagerConfig) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.InBufferSoftCap <= 0 {
		cfg.InBufferSoftCap = DefaultManagerConfig().InBufferSoftCap
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = DefaultManagerConfig().WorkerConcurrency
	}
	pc, err := poll.New()
	if err != nil {
		return nil, fmt.Errorf("conmgr: new poll controller: %w", err)
	}
	m := &Manager{
		cfg:  cfg,
		log:  cfg.Logger,
		pc:   pc,
		pool: workpool.New(cfg.WorkerConcurrency),
		conns: make(map[*Connection]struct{}),
		byFD:  make(map[int]*Connection),
	}
	return m, nil
}

// wake interrupts any blocked poll Wait so the watch loop recomputes
// polling on its next pass. poll.Controller.Interrupt is documented safe to
// call from any goroutine, so wake needs no lock of its own and may be
// called with or without con.mu/m.mu held.
func (m *Manager) wake() {
	m.pc.Interrupt()
}

// AddConnection validates fd(s), wraps them in a Connection, and registers
// it with the manager. fstat validation mirrors con.c's add_connection;
// non-blocking mode is set on every fd the manager takes ownership of.
func (m *Manager) AddConnection(inputFD, outputFD int, name string, typ ConType, ev Events, arg any, isSocket, isListen bool) (*Connection, error) {
	for _, fd := range uniqueFDs(inputFD, outputFD) {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fmt.Errorf("%w: fd=%d: %v", ErrInvalidFD, fd, err)
		}
		_ = unix.SetNonblock(fd, true)
	}
	if isSocket {
		for _, fd := range uniqueFDs(inputFD, outputFD) {
			_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		}
	}
	con := newConnection(resolveName(firstValid(inputFD, outputFD), name), typ, ev, inputFD, outputFD, isSocket, isListen)
	con.arg = arg

	if m.shuttingDown.Load() {
		return nil, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[con] = struct{}{}
	for _, fd := range uniqueFDs(inputFD, outputFD) {
		m.byFD[fd] = con
	}
	metrics.ActiveConnections.Inc()
	if isListen {
		metrics.ActiveListeners.Inc()
	}
	m.log.WithFields(logrus.Fields{"name": con.name, "type": typ}).Debug("conmgr: connection constructed")
	m.wake()
	return con, nil
}

func uniqueFDs(a, b int) []int {
	if a == b {
		if a == noFD {
			return nil
		}
		return []int{a}
	}
	var out []int
	if a != noFD {
		out = append(out, a)
	}
	if b != noFD {
		out = append(out, b)
	}
	return out
}

func firstValid(a, b int) int {
	if a != noFD {
		return a
	}
	return b
}

// findByFD looks up the connection owning fd. Grounded on con.c's
// _find_by_fd, used internally by readiness dispatch and exposed for
// diagnostics/tests.
func (m *Manager) findByFD(fd int) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byFD[fd]
	return c, ok
}

// byFDPut and byFDDelete are leaf-lock helpers for callers that reach m.byFD
// while already holding a con.mu (closeCon, closeOutput, scheduleFinish,
// forceClose) — each call is a brief, non-blocking map update, never nested
// under a second con.mu, preserving the con.mu-then-m.mu order.
func (m *Manager) byFDPut(fd int, con *Connection) {
	m.mu.Lock()
	m.byFD[fd] = con
	m.mu.Unlock()
}

func (m *Manager) byFDDelete(fd int) {
	m.mu.Lock()
	delete(m.byFD, fd)
	m.mu.Unlock()
}

// Run is the watch loop: compute each connection's desired poll mode,
// register it, wait for readiness, and dispatch. It blocks until ctx is
// done or Shutdown is called.
func (m *Manager) Run(ctx context.Context) error {
	m.init()
	defer close(m.watchDone)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conns := m.Connections()
		if m.shuttingDown.Load() && len(conns) == 0 {
			return nil
		}
		for _, con := range conns {
			con.mu.Lock()
			m.refreshPolling(con)
			con.mu.Unlock()
		}

		start := time.Now()
		ready, err := m.pc.Wait(ctx)
		metrics.PollWaitDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.WithError(err).Error("conmgr: poll wait failed")
			continue
		}
		for _, r := range ready {
			m.handleReady(r)
		}
		m.reapFinished()
	}
}

// init lazily initializes watchDone so New() doesn't need a
// constructor-ordering dance; called once from Run.
func (m *Manager) init() {
	if m.watchDone == nil {
		m.watchDone = make(chan struct{})
	}
}

// Shutdown performs the 4-phase graceful drain the teacher's Server.Shutdown
// uses: stop accepting new connections, run every connection's queued work
// once with Cancelled status, wait up to cfg.ShutdownDrainTimeout for
// in-flight callbacks to return, then force-close every connection and wake
// Run so it can exit. Data still queued for writing is not flushed first.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.shuttingDown.Swap(true) {
		return nil
	}
	for _, con := range m.Connections() {
		con.mu.Lock()
		m.cancelQueuedWork(con)
		con.mu.Unlock()
	}
	m.wake()

	deadline := time.NewTimer(m.cfg.ShutdownDrainTimeout)
	defer deadline.Stop()
	drained := make(chan struct{})
	go func() {
		m.pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-deadline.C:
		m.log.Warn("conmgr: shutdown drain timed out, force-closing")
	case <-ctx.Done():
	}

	for _, con := range m.Connections() {
		con.mu.Lock()
		m.forceClose(con)
		con.mu.Unlock()
		m.remove(con)
	}
	m.wake()

	return nil
}

// Close releases the poll controller. Call only after Run's goroutine has
// returned (e.g. after cancelling the context passed to Run), since Run is
// the sole reader of the poll controller's Wait call.
func (m *Manager) Close() error {
	return m.pc.Close()
}

// Connections returns a snapshot slice of every currently managed
// connection, primarily for diagnostics and tests.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for c := range m.conns {
		out = append(out, c)
	}
	return out
}

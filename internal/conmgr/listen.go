package conmgr

import (
	"fmt"
	"net"
	"sync"

	"github.com/relayforge/conmgr/internal/listener"
	"golang.org/x/sys/unix"
)

// listenKeys tracks already-bound listen addresses for the dedup rule in
// spec.md §4.3; guarded by its own mutex since it's consulted before a
// Connection exists to lock.
type listenKeys struct {
	mu   sync.Mutex
	seen map[listener.Key]struct{}
}

func (k *listenKeys) tryClaim(key listener.Key) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seen == nil {
		k.seen = make(map[listener.Key]struct{})
	}
	if _, dup := k.seen[key]; dup {
		return false
	}
	k.seen[key] = struct{}{}
	return true
}

// CreateListen parses spec ("unix:<path>" or "host:port"), binds a
// listening socket for every resolved address not already listened on,
// and registers each as a Listen-type Connection. Duplicate requests are
// logged and dropped, not errored, matching spec.md §4.3's dedup rule.
func (m *Manager) CreateListen(spec string, typ ConType, ev Events) error {
	s, err := listener.ParseSpec(spec)
	if err != nil {
		return err
	}
	if m.listenSeen == nil {
		m.listenSeen = &listenKeys{}
	}

	if s.Kind == listener.Unix {
		key := listener.UnixKey(s.Path)
		if !m.listenSeen.tryClaim(key) {
			m.log.WithField("path", s.Path).Debug("conmgr: duplicate unix listen spec dropped")
			return nil
		}
		fd, err := listener.BindUnix(s.Path)
		if err != nil {
			return err
		}
		con, err := m.AddConnection(fd, noFD, "unix:"+s.Path, typ, ev, nil, true, true)
		if err != nil {
			unix.Close(fd)
			return err
		}
		con.mu.Lock()
		con.unixSocketPath = s.Path
		con.isConnected = true
		con.mu.Unlock()
		return nil
	}

	ips, port, err := listener.ResolveHostPort(s.Host, s.Port)
	if err != nil {
		return err
	}
	var firstErr error
	bound := 0
	for _, ip := range ips {
		key := listener.InetKey(ip, port, "")
		if !m.listenSeen.tryClaim(key) {
			m.log.WithField("addr", fmt.Sprintf("%s:%d", ip, port)).Debug("conmgr: duplicate listen spec dropped")
			continue
		}
		fd, err := listener.BindInet(ip, port)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		name := fmt.Sprintf("%s:%d", ip, port)
		con, err := m.AddConnection(fd, noFD, name, typ, ev, nil, true, true)
		if err != nil {
			unix.Close(fd)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		con.mu.Lock()
		con.address = name
		con.isConnected = true
		con.mu.Unlock()
		bound++
	}
	if bound == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

// Connect issues an outbound connection to addr ("host:port"). The
// returned Connection's OnConnection fires once the connect completes (or
// fails, in which case the connection closes without OnConnection firing).
func (m *Manager) Connect(addr string, typ ConType, ev Events, arg any) (*Connection, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("conmgr: connect %q: %w", addr, err)
	}
	ips, port, err := listener.ResolveHostPort(host, portStr)
	if err != nil {
		return nil, err
	}
	ip := ips[0]
	fd, inProgress, err := listener.Connect(ip, port, m.isShuttingDown)
	if err != nil {
		return nil, err
	}
	if fd == -1 {
		return nil, nil // shutdown race: treated as success with nothing to report
	}
	name := fmt.Sprintf("%s:%d", ip, port)
	con, err := m.AddConnection(fd, fd, name, typ, ev, arg, true, false)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	con.mu.Lock()
	if !inProgress {
		con.isConnected = true
		m.enqueueConnection(con)
	}
	con.mu.Unlock()
	m.wakeLocked()
	return con, nil
}

func (m *Manager) isShuttingDown() bool {
	return m.shuttingDown.Load()
}

// QueueSendFD enqueues work that transfers fd to con's peer over
// SCM_RIGHTS. con must be a UNIX domain socket with a live output fd.
func QueueSendFD(m *Manager, con *Connection, fd int) error {
	con.mu.Lock()
	defer con.mu.Unlock()
	if !con.isSocket {
		return ErrNotSocket
	}
	if con.outputFD == noFD {
		return ErrMissingSocket
	}
	if fd < 0 {
		return ErrInvalidFDArg
	}
	outFD := con.outputFD
	con.pushWork(workItem{kind: workData, fn: func(status WorkStatus) {
		if status == Cancelled {
			unix.Close(fd)
			return
		}
		if err := listener.SendFD(outFD, fd); err != nil {
			m.log.WithError(err).WithField("name", con.name).Warn("conmgr: send_fd failed")
		}
	}})
	m.runEligibleWorkLocked(con)
	return nil
}

// QueueReceiveFD enqueues work that receives a single fd from con's input
// via recvmsg, wrapping it in a fresh Connection with the given type and
// events. If the receive fails, con is closed (its state after a failed
// ancillary recv is unknowable).
func QueueReceiveFD(m *Manager, con *Connection, typ ConType, ev Events, arg any) error {
	con.mu.Lock()
	defer con.mu.Unlock()
	if !con.isSocket {
		return ErrNotSocket
	}
	if con.inputFD == noFD {
		return ErrMissingSocket
	}
	inFD := con.inputFD
	con.pushWork(workItem{kind: workData, fn: func(status WorkStatus) {
		if status == Cancelled {
			return
		}
		fd, err := listener.ReceiveFD(inFD)
		if err != nil {
			m.log.WithError(err).WithField("name", con.name).Warn("conmgr: receive_fd failed, closing source")
			con.mu.Lock()
			m.closeCon(con)
			con.mu.Unlock()
			return
		}
		name := resolveName(fd, "")
		if _, err := m.AddConnection(fd, fd, name, typ, ev, arg, true, false); err != nil {
			m.log.WithError(err).Warn("conmgr: failed to register received fd")
			unix.Close(fd)
		}
	}})
	m.runEligibleWorkLocked(con)
	return nil
}

//go:build !linux

package poll

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// monitor records one registered fd and its mode; Wait probes it for
// readiness with non-blocking checks. No goroutine is started per fd.
type monitor struct {
	fd     int
	mode   Mode
	stopCh chan struct{}
}

// fallbackController is the portable (non-Linux) Controller. It has no
// native readiness primitive to block on, so Wait polls registered fds on
// a short interval and Interrupt is implemented with a buffered channel.
type fallbackController struct {
	mu       sync.Mutex
	monitors map[int]*monitor
	interrupted chan struct{}
	closed   bool
}

// New constructs the portable Controller.
func New() (Controller, error) {
	return &fallbackController{
		monitors:    make(map[int]*monitor),
		interrupted: make(chan struct{}, 1),
	}, nil
}

func (c *fallbackController) Link(fd int, mode Mode, name, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == None {
		delete(c.monitors, fd)
		return nil
	}
	c.monitors[fd] = &monitor{fd: fd, mode: mode}
	return nil
}

func (c *fallbackController) Relink(fd int, mode Mode, name, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == None {
		delete(c.monitors, fd)
		return nil
	}
	if m, ok := c.monitors[fd]; ok {
		m.mode = mode
		return nil
	}
	c.monitors[fd] = &monitor{fd: fd, mode: mode}
	return nil
}

func (c *fallbackController) Unlink(fd int, name, caller string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.monitors, fd)
}

func (c *fallbackController) Interrupt() {
	select {
	case c.interrupted <- struct{}{}:
	default:
	}
}

// Wait probes every registered fd with a zero-timeout select/poll emulation
// via syscall-level non-blocking peeks, sleeping briefly between rounds
// when nothing is ready. It is a deliberately simple fallback: the
// supported, tested target platform is Linux, matching the pack's own
// epoll-first, fallback-second posture.
func (c *fallbackController) Wait(ctx context.Context) ([]Ready, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.interrupted:
			return nil, nil
		case <-ticker.C:
		}
		ready := c.poll()
		if len(ready) > 0 {
			return ready, nil
		}
	}
}

func (c *fallbackController) poll() []Ready {
	c.mu.Lock()
	fds := make([]*monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		fds = append(fds, m)
	}
	c.mu.Unlock()

	var ready []Ready
	for _, m := range fds {
		var r Ready
		r.FD = m.fd
		if m.mode.wantRead() {
			r.Readable = pollReadable(m.fd)
		}
		if m.mode.wantWrite() {
			r.Writable = pollWritable(m.fd)
		}
		if r.Readable || r.Writable {
			ready = append(ready, r)
		}
	}
	return ready
}

// pollReadable and pollWritable use unix.Select with a zero timeout to
// probe a single fd non-blockingly, the portable equivalent of the
// Linux-only epoll event mask check.
func pollReadable(fd int) bool {
	var rfds unix.FdSet
	fdSet(&rfds, fd)
	tv := unix.Timeval{}
	n, err := unix.Select(fd+1, &rfds, nil, nil, &tv)
	return err == nil && n > 0
}

func pollWritable(fd int) bool {
	var wfds unix.FdSet
	fdSet(&wfds, fd)
	tv := unix.Timeval{}
	n, err := unix.Select(fd+1, nil, &wfds, nil, &tv)
	return err == nil && n > 0
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func (c *fallbackController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.monitors = nil
	return nil
}

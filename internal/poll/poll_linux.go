//go:build linux

package poll

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// epollController is the Linux implementation of Controller, built on
// epoll_create1/epoll_ctl/epoll_wait exactly as a single-purpose websocket
// server's readiness loop is, generalized to the full link/relink/unlink
// contract and given an eventfd-backed Interrupt.
type epollController struct {
	epfd      int
	interruptFD int

	mu    sync.Mutex
	modes map[int]Mode // fd -> registered mode, for idempotent Relink checks
}

// New constructs the Linux epoll-backed Controller.
func New() (Controller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poll: epoll_create1: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("poll: eventfd: %w", err)
	}
	c := &epollController{
		epfd:        epfd,
		interruptFD: efd,
		modes:       make(map[int]Mode),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(efd),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(efd)
		return nil, fmt.Errorf("poll: epoll_ctl add interrupt fd: %w", err)
	}
	return c, nil
}

func epollEventsFor(mode Mode) uint32 {
	var ev uint32
	if mode.wantRead() {
		ev |= unix.EPOLLIN
	}
	if mode.wantWrite() {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (c *epollController) Link(fd int, mode Mode, name, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == None {
		delete(c.modes, fd)
		return nil
	}
	ev := &unix.EpollEvent{Events: epollEventsFor(mode), Fd: int32(fd)}
	if err := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		if err == unix.EPERM {
			return ErrUnsupported
		}
		return fmt.Errorf("poll: link fd=%d (%s, from %s): %w", fd, name, caller, err)
	}
	c.modes[fd] = mode
	return nil
}

func (c *epollController) Relink(fd int, mode Mode, name, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.modes[fd]; ok && cur == mode {
		return nil
	}
	if mode == None {
		if err := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
			return fmt.Errorf("poll: relink-to-none fd=%d (%s, from %s): %w", fd, name, caller, err)
		}
		delete(c.modes, fd)
		return nil
	}
	ev := &unix.EpollEvent{Events: epollEventsFor(mode), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if _, ok := c.modes[fd]; !ok {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(c.epfd, op, fd, ev); err != nil {
		if err == unix.EPERM {
			return ErrUnsupported
		}
		return fmt.Errorf("poll: relink fd=%d (%s, from %s): %w", fd, name, caller, err)
	}
	c.modes[fd] = mode
	return nil
}

func (c *epollController) Unlink(fd int, name, caller string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = unix.EpollCtl(c.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(c.modes, fd)
}

func (c *epollController) Interrupt() {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(c.interruptFD, buf[:])
}

func (c *epollController) Wait(ctx context.Context) ([]Ready, error) {
	stop := context.AfterFunc(ctx, c.Interrupt)
	defer stop()
	events := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(c.epfd, events, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: epoll_wait: %w", err)
	}
	ready := make([]Ready, 0, n)
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == c.interruptFD {
			var drain [8]byte
			_, _ = unix.Read(c.interruptFD, drain[:])
			continue
		}
		ready = append(ready, Ready{
			FD:       fd,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Errored:  ev.Events&unix.EPOLLERR != 0,
		})
	}
	return ready, nil
}

func (c *epollController) Close() error {
	unix.Close(c.interruptFD)
	return unix.Close(c.epfd)
}

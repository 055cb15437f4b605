// Package signalchan converts asynchronous OS signals into ordinary data
// events on a pipe, the same role signals.c plays in the original: a
// pipe's read end is meant to be registered as a Raw connection, and
// writes to the pipe carry a 4-byte signal number.
//
// Go cannot install a C-style async-signal-safe handler (no sigaction
// equivalent is exposed to user code); the Go runtime itself occupies that
// role and exposes exactly one safe hook, os/signal.Notify. Channel uses
// that hook plus an ordinary forwarding goroutine in its place — see
// SPEC_FULL.md §4.5 and DESIGN.md for the full rationale.
package signalchan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Channel owns the signal pipe and the table of registered signal-work
// callbacks.
type Channel struct {
	mu       sync.RWMutex
	writeEnd *os.File
	readEnd  *os.File
	notifyCh chan os.Signal
	work     map[int][]func()
	log      *logrus.Logger
	stopCh   chan struct{}
}

// New constructs a Channel. Call Start to begin forwarding.
func New(log *logrus.Logger) *Channel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Channel{work: make(map[int][]func()), log: log}
}

// RegisterWork adds an entry; later deliveries of signo invoke fn with no
// connection argument, matching register_signal_work.
func (c *Channel) RegisterWork(signo int, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.work[signo] = append(c.work[signo], fn)
}

// Start installs os/signal.Notify for the signals passed in sigs, creates
// the pipe, and launches the forwarding goroutine. It
// returns the read end's fd for the caller to register as a Raw
// connection (conmgr.Manager does this).
func (c *Channel) Start(sigs ...os.Signal) (readFD int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, w, err := os.Pipe()
	if err != nil {
		return -1, fmt.Errorf("signalchan: pipe: %w", err)
	}
	c.readEnd, c.writeEnd = r, w
	c.notifyCh = make(chan os.Signal, 16)
	c.stopCh = make(chan struct{})
	signal.Notify(c.notifyCh, sigs...)

	go c.forward()

	return int(r.Fd()), nil
}

// forward is the analog of _signal_handler, except it runs as an ordinary
// goroutine rather than signal-context code: it blocks on the notify
// channel and writes the 4-byte signal number to the pipe, retrying on
// EAGAIN/EINTR, returning silently on EPIPE/EBADF or a closed pipe (the
// post-shutdown race), and calling logrus Fatal (the equivalent terminal
// action to fatal_abort) on any other failure.
func (c *Channel) forward() {
	var buf [4]byte
	for {
		select {
		case <-c.stopCh:
			return
		case sig, ok := <-c.notifyCh:
			if !ok {
				return
			}
			signo := signalNumber(sig)
			binary.LittleEndian.PutUint32(buf[:], uint32(signo))
			for {
				_, err := c.writeEnd.Write(buf[:])
				if err == nil {
					break
				}
				if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
					continue
				}
				if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EBADF) || errors.Is(err, os.ErrClosed) {
					return
				}
				c.log.WithError(err).Fatal("signalchan: pipe write failed")
			}
		}
	}
}

// HandleData drains data 4 bytes at a time and dispatches registered
// signal-work entries for each complete signal number found, returning the
// number of bytes consumed. Unmatched signals log a warning and are
// ignored, matching spec.md §4.5 point 3.
func (c *Channel) HandleData(data []byte) (consumed int) {
	for len(data)-consumed >= 4 {
		signo := int(binary.LittleEndian.Uint32(data[consumed : consumed+4]))
		consumed += 4
		c.mu.RLock()
		fns := c.work[signo]
		c.mu.RUnlock()
		if len(fns) == 0 {
			c.log.WithField("signal", signo).Warn("signalchan: no work registered for delivered signal")
			continue
		}
		for _, fn := range fns {
			fn()
		}
	}
	return consumed
}

// Stop halts the forwarding goroutine and closes the pipe. The read end's
// fd should already have been unregistered/closed by the connection
// manager before calling this.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		close(c.stopCh)
	}
	signal.Stop(c.notifyCh)
	if c.writeEnd != nil {
		c.writeEnd.Close()
	}
}

// Reset tears down and re-zeroes all state, the closest faithful Go analog
// of _atfork_child's pthread_atfork reset hook. Go cannot safely run
// arbitrary code between fork() and exec() (the runtime documents raw
// fork() without an immediate exec as unsafe), so there is no fork-context
// hook to install this from; Reset exists for test re-initialization and
// for a supervisor that deliberately wants to reinitialize the signal
// channel after dropping and re-accepting it (e.g. re-exec), not for fork
// survival. See DESIGN.md's Resolved Open Questions.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	if c.notifyCh != nil {
		signal.Stop(c.notifyCh)
	}
	if c.writeEnd != nil {
		c.writeEnd.Close()
	}
	if c.readEnd != nil {
		c.readEnd.Close()
	}
	c.writeEnd = nil
	c.readEnd = nil
	c.notifyCh = nil
	c.stopCh = nil
	c.work = make(map[int][]func())
}

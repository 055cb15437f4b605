// Package poll wraps a single kernel readiness object (epoll on Linux, a
// fallback elsewhere whose Wait probes each registered fd with a
// zero-timeout select on a short interval) behind a small link/relink/unlink/
// wait contract so the rest of conmgr never touches the OS primitive
// directly.
package poll

import (
	"context"
	"errors"
)

// Mode is the closed variant of poll registrations a fd can hold.
type Mode int

const (
	// None means the fd is not registered with the controller.
	None Mode = iota
	// Connected waits for connect() completion (writability only).
	Connected
	// ReadOnly waits for read readiness only.
	ReadOnly
	// WriteOnly waits for write readiness only.
	WriteOnly
	// ReadWrite waits for either.
	ReadWrite
	// Listen waits for accept readiness.
	Listen
	// Unsupported marks an fd that the kernel readiness primitive refused
	// to register (pseudo-files, some regular files). It is sticky: once
	// set, no further poll calls are made for that fd.
	Unsupported
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Connected:
		return "connected"
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	case Listen:
		return "listen"
	case Unsupported:
		return "unsupported"
	default:
		return "invalid"
	}
}

func (m Mode) wantRead() bool  { return m == ReadOnly || m == ReadWrite || m == Listen }
func (m Mode) wantWrite() bool { return m == WriteOnly || m == ReadWrite || m == Connected }

// ErrUnsupported is returned by Link/Relink when the fd cannot be polled by
// the underlying kernel primitive. Callers map this to Mode Unsupported and
// stop polling that fd.
var ErrUnsupported = errors.New("poll: fd type unsupported by readiness primitive")

// Ready describes one fd's post-Wait readiness state.
type Ready struct {
	FD        int
	Readable  bool
	Writable  bool
	Errored   bool
}

// Controller is the readiness multiplexer contract. A Controller instance
// is not safe for concurrent Wait calls (only one watch goroutine should
// call Wait), but Link/Relink/Unlink/Interrupt are safe to call from any
// goroutine concurrently with a blocked Wait.
type Controller interface {
	// Link registers fd with mode. name and caller are used only for log
	// context. Returns ErrUnsupported if the fd cannot be polled.
	Link(fd int, mode Mode, name, caller string) error
	// Relink changes the mode of a registered fd. It is a no-op if mode is
	// already current.
	Relink(fd int, mode Mode, name, caller string) error
	// Unlink deregisters fd. Safe to call even if fd was already closed.
	Unlink(fd int, name, caller string)
	// Interrupt causes a concurrent Wait to return promptly. Safe to call
	// from any goroutine.
	Interrupt()
	// Wait blocks until at least one registered fd is ready or Interrupt
	// was called, or ctx is done.
	Wait(ctx context.Context) ([]Ready, error)
	// Close releases the underlying kernel object. No other method may be
	// called after Close.
	Close() error
}

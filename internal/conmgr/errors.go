package conmgr

import "errors"

// Sentinel errors returned by connection-facing operations. Fatal,
// assertion-violation conditions panic instead of returning one of these —
// see setPolling's same-fd Unsupported assertion for the one case the spec
// calls out explicitly.
var (
	// ErrInvalidFD is returned when fstat fails during registration.
	ErrInvalidFD = errors.New("conmgr: invalid file descriptor")
	// ErrUnsupportedFD marks a descriptor type the poll controller refused
	// to register; the connection continues, treated as always-ready.
	ErrUnsupportedFD = errors.New("conmgr: descriptor type unsupported for polling")
	// ErrNotSocket is returned by fd-passing operations on a non-socket
	// connection (AF_UNIX only).
	ErrNotSocket = errors.New("conmgr: fd passing requires a unix domain socket")
	// ErrMissingSocket is returned when the requested side of the
	// connection (input or output) is already closed.
	ErrMissingSocket = errors.New("conmgr: missing socket fd for operation")
	// ErrInvalidFDArg is returned by QueueSendFD when fd < 0.
	ErrInvalidFDArg = errors.New("conmgr: invalid fd argument")
	// ErrClosed is returned by operations attempted on a connection or
	// manager that has already shut down.
	ErrClosed = errors.New("conmgr: closed")
)

package listener

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNotSocket is returned by SendFD/ReceiveFD when sockFD is not a UNIX
// domain socket (fd passing is AF_UNIX-only).
var ErrNotSocket = errors.New("listener: fd passing requires a unix domain socket")

// ErrInvalidFD is returned by SendFD when fd < 0.
var ErrInvalidFD = errors.New("listener: invalid fd argument")

// SendFD transfers fd to the peer of sockFD using sendmsg with
// SCM_RIGHTS. The local copy of fd is always closed afterward, successful
// or not, to prevent leaks — conmgr_queue_send_fd's rule.
func SendFD(sockFD, fd int) error {
	defer unix.Close(fd)
	if fd < 0 {
		return ErrInvalidFD
	}
	rights := unix.UnixRights(fd)
	if err := unix.Sendmsg(sockFD, []byte{0}, rights, nil, 0); err != nil {
		if err == unix.EAFNOSUPPORT || err == unix.ENOTSOCK {
			return ErrNotSocket
		}
		return fmt.Errorf("listener: sendmsg SCM_RIGHTS: %w", err)
	}
	return nil
}

// ReceiveFD reads a single fd from sockFD's ancillary data via recvmsg. On
// failure the caller must close the source connection, since its state
// after a failed ancillary receive is unknowable — conmgr_queue_receive_fd's
// rule.
func ReceiveFD(sockFD int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(sockFD, buf, oob, 0)
	if err != nil {
		if err == unix.EAFNOSUPPORT || err == unix.ENOTSOCK {
			return -1, ErrNotSocket
		}
		return -1, fmt.Errorf("listener: recvmsg: %w", err)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("listener: parse control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, fmt.Errorf("listener: recvmsg: %w", unix.ENOMSG)
}

//go:build linux

package listener

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PeerCreds is the peer-credential triple returned for a UNIX socket.
type PeerCreds struct {
	UID uint32
	GID uint32
	PID int32
}

// GetPeerCreds returns the peer's {uid, gid, pid} via SO_PEERCRED.
func GetPeerCreds(fd int) (PeerCreds, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return PeerCreds{}, fmt.Errorf("listener: getsockopt SO_PEERCRED: %w", err)
	}
	return PeerCreds{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}

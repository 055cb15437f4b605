//go:build darwin || freebsd || netbsd || openbsd

package listener

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PeerCreds is the peer-credential triple returned for a UNIX socket. BSD
// and macOS have no reliable peer pid via LOCAL_PEERCRED, only uid/gid;
// PID is left zero, matching conmgr_get_fd_auth_creds's BSD branch.
type PeerCreds struct {
	UID uint32
	GID uint32
	PID int32
}

// GetPeerCreds returns the peer's {uid, gid} via LOCAL_PEERCRED/Xucred.
func GetPeerCreds(fd int) (PeerCreds, error) {
	xucred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return PeerCreds{}, fmt.Errorf("listener: getsockopt LOCAL_PEERCRED: %w", err)
	}
	return PeerCreds{UID: xucred.Uid, GID: xucred.Groups[0]}, nil
}

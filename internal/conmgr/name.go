package conmgr

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// resolveName derives a Connection's name once, at construction, the way
// con.c's _resolve_fd/_set_connection_name walk fstat's mode bits to
// produce a human-readable label: a socket gets its peer address (or
// "socket:<fd>" if that lookup fails), a pipe end gets "pipe:<fd>", a
// character or block device (a TTY included) gets "device:<major>.<minor>",
// and anything else falls back to "fd:<fd>". A non-empty fallback is
// returned as is, without looking at the fd.
func resolveName(fd int, fallback string) string {
	if fallback != "" {
		return fallback
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Sprintf("fd:%d", fd)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFSOCK:
		if addr, err := socketPeerName(fd); err == nil {
			return addr
		}
		return fmt.Sprintf("socket:%d", fd)
	case unix.S_IFIFO:
		return fmt.Sprintf("pipe:%d", fd)
	case unix.S_IFCHR, unix.S_IFBLK:
		major := unix.Major(uint64(st.Rdev))
		minor := unix.Minor(uint64(st.Rdev))
		return fmt.Sprintf("device:%d.%d", major, minor)
	default:
		return fmt.Sprintf("fd:%d", fd)
	}
}

// socketPeerName returns a printable label for a connected socket's peer
// ("host:port" for IP peers, "unix:<path>" or "unix:anonymous" for
// UNIX-domain peers), used as the Connection name when no explicit
// name was supplied (e.g. accepted connections).
func socketPeerName(fd int) (string, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port)), nil
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port)), nil
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "unix:anonymous", nil
		}
		return "unix:" + a.Name, nil
	default:
		return "", os.ErrInvalid
	}
}

package listener

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Connect creates a non-blocking socket matching ip's family and issues
// connect(). On EINPROGRESS/EAGAIN it returns the fd with inProgress=true
// so the caller registers it with poll mode Connected. On EINTR it retries
// unless shuttingDown reports true, in which case it closes the fd and
// returns success with inProgress=false and fd=-1 — conmgr_create_connect_socket's
// shutdown-race behavior.
func Connect(ip net.IP, port int, shuttingDown func() bool) (fd int, inProgress bool, err error) {
	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, fmt.Errorf("listener: socket: %w", err)
	}
	var sa unix.Sockaddr
	if family == unix.AF_INET {
		var addr [4]byte
		copy(addr[:], ip.To4())
		sa = &unix.SockaddrInet4{Port: port, Addr: addr}
	} else {
		var addr [16]byte
		copy(addr[:], ip.To16())
		sa = &unix.SockaddrInet6{Port: port, Addr: addr}
	}

	for {
		err = unix.Connect(fd, sa)
		if err == nil {
			return fd, false, nil
		}
		if err == unix.EINPROGRESS || err == unix.EAGAIN {
			return fd, true, nil
		}
		if err == unix.EINTR {
			if shuttingDown != nil && shuttingDown() {
				unix.Close(fd)
				return -1, false, nil
			}
			continue
		}
		unix.Close(fd)
		return -1, false, fmt.Errorf("listener: connect %s:%d: %w", ip, port, err)
	}
}

// ConnectUnix issues a non-blocking connect to a unix-domain path, with
// the same EINTR/shutdown handling as Connect.
func ConnectUnix(path string, shuttingDown func() bool) (fd int, inProgress bool, err error) {
	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, fmt.Errorf("listener: socket(AF_UNIX): %w", err)
	}
	sa := &unix.SockaddrUnix{Name: path}
	for {
		err = unix.Connect(fd, sa)
		if err == nil {
			return fd, false, nil
		}
		if err == unix.EINPROGRESS || err == unix.EAGAIN {
			return fd, true, nil
		}
		if err == unix.EINTR {
			if shuttingDown != nil && shuttingDown() {
				unix.Close(fd)
				return -1, false, nil
			}
			continue
		}
		unix.Close(fd)
		return -1, false, fmt.Errorf("listener: connect %s: %w", path, err)
	}
}

package listener

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Key is the canonical dedup key for a resolved listen address: family
// plus address plus port/path, per spec.md §4.3's dedup rule.
type Key string

// UnixKey returns the dedup key for a unix-domain listen path.
func UnixKey(path string) Key {
	return Key("unix:" + path)
}

// InetKey returns the dedup key for a resolved IP:port, including the
// zone/scope id for IPv6 link-local addresses.
func InetKey(ip net.IP, port int, zone string) Key {
	if ip4 := ip.To4(); ip4 != nil {
		return Key(fmt.Sprintf("inet4:%s:%d", ip4.String(), port))
	}
	return Key(fmt.Sprintf("inet6:%s%%%s:%d", ip.String(), zone, port))
}

// BindUnix creates an AF_UNIX SOCK_STREAM listening socket at path,
// unlinking a stale path first (ignoring ENOENT), matching
// conmgr_create_listen_socket's unix: branch.
func BindUnix(path string) (int, error) {
	_ = unix.Unlink(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("listener: socket(AF_UNIX): %w", err)
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: listen %s: %w", path, err)
	}
	return fd, nil
}

// BindInet creates a SOCK_STREAM listening socket bound to ip:port with
// SO_REUSEADDR set, matching conmgr_create_listen_socket's host:port
// branch (getaddrinfo resolution happens in the caller; this takes an
// already-resolved address).
func BindInet(ip net.IP, port int) (int, error) {
	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("listener: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: setsockopt SO_REUSEADDR: %w", err)
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
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: bind %s:%d: %w", ip, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: listen %s:%d: %w", ip, port, err)
	}
	return fd, nil
}

// ResolveHostPort is the net_spec resolver: it takes an already split host
// and port, parses the port with strconv.Atoi, maps an empty or "*" host to
// the IPv4 wildcard, and resolves anything else with net.LookupIP.
// Manager.CreateListen and Manager.Connect always use it; no caller-supplied
// resolver can be plugged in.
func ResolveHostPort(host, port string) ([]net.IP, int, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, 0, fmt.Errorf("listener: invalid port %q: %w", port, err)
	}
	if host == "" || host == "*" {
		return []net.IP{net.IPv4zero}, p, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, 0, fmt.Errorf("listener: resolve %q: %w", host, err)
	}
	return ips, p, nil
}

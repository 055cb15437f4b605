package listener

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func mustParseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("invalid test IP %q", s)
	}
	return ip
}

// TestBindUnixAcceptsConnection covers the unix: branch of listen-socket
// creation with a real accept loop, and confirms a stale path left behind
// by a prior run is unlinked rather than rejected with EADDRINUSE.
func TestBindUnixAcceptsConnection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conmgr.sock")

	if f, err := os.Create(path); err == nil {
		f.Close() // leave a stale non-socket file at path
	}

	fd, err := BindUnix(path)
	if err != nil {
		t.Fatalf("BindUnix: %v", err)
	}
	defer unix.Close(fd)

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	peerFD, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		t.Fatalf("Accept4: %v", err)
	}
	defer unix.Close(peerFD)
}

// TestSendReceiveFDRoundTrip covers spec.md §8 scenario 2: passing an open
// file descriptor across a UNIX domain socket via SCM_RIGHTS and recovering
// a descriptor that refers to the same open file.
func TestSendReceiveFDRoundTrip(t *testing.T) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	sender, receiver := pair[0], pair[1]
	defer unix.Close(sender)
	defer unix.Close(receiver)

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.txt")
	if err := os.WriteFile(path, []byte("conmgr fd passing"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	payloadFD, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := SendFD(sender, payloadFD); err != nil {
		t.Fatalf("SendFD: %v", err)
	}

	gotFD, err := ReceiveFD(receiver)
	if err != nil {
		t.Fatalf("ReceiveFD: %v", err)
	}
	defer unix.Close(gotFD)

	buf := make([]byte, 64)
	n, err := unix.Read(gotFD, buf)
	if err != nil {
		t.Fatalf("reading through received fd: %v", err)
	}
	if string(buf[:n]) != "conmgr fd passing" {
		t.Fatalf("expected received fd to read back the original payload, got %q", buf[:n])
	}
}

func TestSendFDRejectsInvalidFD(t *testing.T) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(pair[0])
	defer unix.Close(pair[1])

	if err := SendFD(pair[0], -1); err == nil {
		t.Fatalf("expected error sending an invalid fd")
	}
}

package conmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.Logger = logrus.New()
	cfg.Logger.SetLevel(logrus.WarnLevel)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = m.Shutdown(shutdownCtx)
		cancel()
		<-done
		_ = m.Close()
	})
	return m
}

// TestEchoOnceOverTCPLoopback covers spec.md §8 scenario 1: a client writes
// one message to a Raw echo listener over a real TCP loopback socket and
// reads the same bytes back.
func TestEchoOnceOverTCPLoopback(t *testing.T) {
	m := newTestManager(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ev := Events{
		OnData: func(con *Connection, arg any) error {
			buf := GetInBuffer(con)
			out := make([]byte, len(buf))
			copy(out, buf)
			MarkConsumedInBuffer(con, len(buf))
			QueueWrite(con, out)
			return nil
		},
	}
	if err := m.CreateListen(addr, Raw, ev); err != nil {
		t.Fatalf("CreateListen: %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	want := []byte("hello conmgr")
	if _, err := conn.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(want))
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("expected echo %q, got %q", want, got)
	}
}

// TestBackpressureStopsReadingAtSoftCap covers spec.md §8 scenario 3: once
// in_buffer reaches its configured soft cap the connection stops polling
// for read readiness until the handler consumes bytes.
func TestBackpressureStopsReadingAtSoftCap(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Logger = logrus.New()
	cfg.Logger.SetLevel(logrus.WarnLevel)
	cfg.InBufferSoftCap = 8
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = m.Shutdown(shutdownCtx)
		cancel()
		<-done
		_ = m.Close()
	}()

	// OnData never consumes on its own; the test plays the role of the
	// business-logic handler, draining the buffer out of band to observe
	// whether the manager resumes polling for read readiness afterward.
	accepted := make(chan *Connection, 1)
	ev := Events{
		OnConnection: func(con *Connection, arg any) (any, bool) {
			select {
			case accepted <- con:
			default:
			}
			return arg, true
		},
		OnData: func(con *Connection, arg any) error { return nil },
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if err := m.CreateListen(addr, Raw, ev); err != nil {
		t.Fatalf("CreateListen: %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Write past the soft cap; the manager should stop polling for read
	// readiness once in_buffer reaches cfg.InBufferSoftCap bytes.
	first := []byte("01234567") // == soft cap
	if _, err := conn.Write(first); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var con *Connection
	select {
	case con = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for accepted connection")
	}

	waitForBufferedLen(t, con, len(first))

	// A second write should sit unread in the kernel socket buffer while
	// backpressure holds; in_buffer must not grow past what was already
	// buffered.
	second := []byte("ABCDEFGH")
	if _, err := conn.Write(second); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	con.mu.Lock()
	stillFirstOnly := con.in.len()
	con.mu.Unlock()
	if stillFirstOnly != len(first) {
		t.Fatalf("expected in_buffer to stay at %d bytes under backpressure, got %d", len(first), stillFirstOnly)
	}

	// Drain the buffer the way a business-logic handler would between
	// dispatches, then nudge the watch loop to recompute polling.
	MarkConsumedInBuffer(con, len(first))
	m.wakeLocked()

	waitForBufferedLen(t, con, len(second))
}

func waitForBufferedLen(t *testing.T, con *Connection, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		con.mu.Lock()
		n := con.in.len()
		con.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for in_buffer to reach %d bytes", want)
}

// TestQueueCloseDefersUntilWorkFinishes covers spec.md §8 scenario 5: a
// close requested while a callback is in flight must not take effect until
// that callback returns, mirroring con.c's _deferred_close_fd.
func TestQueueCloseDefersUntilWorkFinishes(t *testing.T) {
	m := newTestManager(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	accepted := make(chan *Connection, 1)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	ev := Events{
		OnConnection: func(con *Connection, arg any) (any, bool) {
			select {
			case accepted <- con:
			default:
			}
			return arg, true
		},
		OnData: func(con *Connection, arg any) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
	}
	if err := m.CreateListen(addr, Raw, ev); err != nil {
		t.Fatalf("CreateListen: %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var con *Connection
	select {
	case con = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for accepted connection")
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnData to start")
	}

	QueueClose(m, con)

	con.mu.Lock()
	stillOpen := con.inputFD != noFD
	con.mu.Unlock()
	if !stillOpen {
		t.Fatalf("expected close to be deferred while OnData is still running")
	}

	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		con.mu.Lock()
		closed := con.inputFD == noFD
		con.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected deferred close to take effect once OnData returned")
}

// TestConnectSurfacesRefusalAsFinish covers spec.md §8 scenario 6: an
// outbound connect that fails must close the connection and fire OnFinish
// without ever invoking OnConnection.
func TestConnectSurfacesRefusalAsFinish(t *testing.T) {
	m := newTestManager(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens here now; connect should be refused

	connected := false
	finished := make(chan struct{})
	ev := Events{
		OnConnection: func(con *Connection, arg any) (any, bool) {
			connected = true
			return arg, true
		},
		OnFinish: func(con *Connection, arg any, status WorkStatus) {
			close(finished)
		},
	}

	if _, err := m.Connect(addr, Raw, ev, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnFinish after refused connect")
	}
	if connected {
		t.Fatalf("expected OnConnection to never fire for a refused connect")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

package signalchan

import (
	"encoding/binary"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

// TestHandleDataDispatchesRegisteredWork covers spec.md §8 scenario 4's data
// half directly: bytes already sitting in the pipe's buffer, shaped like
// forward would have written them, must dispatch every registered callback
// for the encoded signal number and report how many bytes it consumed.
func TestHandleDataDispatchesRegisteredWork(t *testing.T) {
	c := New(nil)
	var mu sync.Mutex
	var calls int
	c.RegisterWork(int(syscall.SIGHUP), func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	c.RegisterWork(int(syscall.SIGHUP), func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(syscall.SIGHUP))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(syscall.SIGHUP))

	consumed := c.HandleData(buf[:])
	if consumed != 8 {
		t.Fatalf("expected to consume 8 bytes (two signal numbers), got %d", consumed)
	}
	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 4 {
		t.Fatalf("expected both registered callbacks to fire for both deliveries (4 calls), got %d", got)
	}
}

func TestHandleDataIgnoresPartialTrailingSignal(t *testing.T) {
	c := New(nil)
	fired := false
	c.RegisterWork(int(syscall.SIGUSR1), func() { fired = true })

	buf := make([]byte, 6) // one full signal number plus 2 stray bytes
	binary.LittleEndian.PutUint32(buf[0:4], uint32(syscall.SIGUSR1))

	consumed := c.HandleData(buf)
	if consumed != 4 {
		t.Fatalf("expected to consume only the one complete signal number (4 bytes), got %d", consumed)
	}
	if !fired {
		t.Fatalf("expected registered work to fire for the complete signal number")
	}
}

// TestStartForwardsRealSignalThroughPipe covers the signal-to-pipe half of
// spec.md §8 scenario 4: Start installs the os/signal.Notify hook, a real SIGUSR2 is
// raised against this process, and the forwarding goroutine must write the
// encoded signal number to the pipe's read end.
func TestStartForwardsRealSignalThroughPipe(t *testing.T) {
	c := New(nil)
	readFD, err := c.Start(syscall.SIGUSR2)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	f := os.NewFile(uintptr(readFD), "signalchan-test-read")
	defer f.Close()
	f.SetReadDeadline(time.Now().Add(2 * time.Second))

	var buf [4]byte
	if _, err := readFullSignal(f, buf[:]); err != nil {
		t.Fatalf("reading forwarded signal: %v", err)
	}
	got := int(binary.LittleEndian.Uint32(buf[:]))
	if got != int(syscall.SIGUSR2) {
		t.Fatalf("expected forwarded signal %d, got %d", syscall.SIGUSR2, got)
	}
}

func readFullSignal(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

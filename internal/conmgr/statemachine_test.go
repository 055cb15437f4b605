package conmgr

import (
	"context"
	"testing"

	"github.com/relayforge/conmgr/internal/poll"
)

func freshTestConnection() *Connection {
	con := newConnection("test", Raw, Events{}, 3, 3, true, false)
	con.softCap = 1024
	return con
}

func TestNextModeClosedWhenDrained(t *testing.T) {
	con := freshTestConnection()
	con.inputFD = noFD
	con.isConnected = true

	mode, finish := nextMode(con)
	if !finish {
		t.Fatalf("expected readyToFinish=true when input closed and out empty")
	}
	if mode != poll.None {
		t.Errorf("expected mode None, got %v", mode)
	}
}

func TestNextModeListenTakesPriority(t *testing.T) {
	con := freshTestConnection()
	con.isListen = true

	mode, finish := nextMode(con)
	if finish {
		t.Fatalf("listener should never be marked ready to finish while input_fd is valid")
	}
	if mode != poll.Listen {
		t.Errorf("expected Listen, got %v", mode)
	}
}

func TestNextModeConnectedBeforeConnected(t *testing.T) {
	con := freshTestConnection()
	con.isConnected = false

	mode, _ := nextMode(con)
	if mode != poll.Connected {
		t.Errorf("expected Connected while awaiting connect completion, got %v", mode)
	}
}

func TestNextModePausesWhileWorkActive(t *testing.T) {
	con := freshTestConnection()
	con.isConnected = true
	con.workActive = true
	con.out.push([]byte("pending"))

	mode, _ := nextMode(con)
	if mode != poll.None {
		t.Errorf("expected None while work_active, got %v", mode)
	}
}

func TestNextModeAwaitingFinishAfterEOF(t *testing.T) {
	con := freshTestConnection()
	con.isConnected = true
	con.readEOF = true

	mode, finish := nextMode(con)
	if finish {
		t.Fatalf("should not be ready to finish while out_queue could still be non-empty logic path taken")
	}
	if mode != poll.None {
		t.Errorf("expected None while read_eof and out empty, got %v", mode)
	}
}

func TestNextModeCombinesReadWrite(t *testing.T) {
	con := freshTestConnection()
	con.isConnected = true

	mode, _ := nextMode(con)
	if mode != poll.ReadOnly {
		t.Errorf("expected ReadOnly with nothing queued to write, got %v", mode)
	}

	con.out.push([]byte("x"))
	mode, _ = nextMode(con)
	if mode != poll.ReadWrite {
		t.Errorf("expected ReadWrite once output is queued, got %v", mode)
	}
}

func TestNextModeBackpressureDropsReadOnly(t *testing.T) {
	con := freshTestConnection()
	con.isConnected = true
	con.softCap = 4
	con.in.append([]byte("xxxx")) // at cap

	mode, _ := nextMode(con)
	if mode != poll.None {
		t.Errorf("expected None once in_buffer is at soft cap, got %v", mode)
	}
}

func TestSetPollingMappingTableDistinctFDs(t *testing.T) {
	m := &Manager{log: DefaultManagerConfig().Logger}
	con := freshTestConnection()
	con.inputFD, con.outputFD = 10, 11

	stub := &stubController{}
	m.pc = stub

	m.setPolling(con, poll.ReadWrite)
	if con.pollingInput != poll.ReadOnly || con.pollingOutput != poll.WriteOnly {
		t.Errorf("ReadWrite on distinct fds should split to in=ReadOnly out=WriteOnly, got in=%v out=%v", con.pollingInput, con.pollingOutput)
	}
}

func TestSetPollingSameFDAssertsOnUnsupportedMismatch(t *testing.T) {
	m := &Manager{log: DefaultManagerConfig().Logger}
	con := freshTestConnection()
	con.inputFD, con.outputFD = 9, 9
	con.pollingInput = poll.Unsupported
	con.pollingOutput = poll.ReadOnly // forbidden combination per spec.md §9

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on inconsistent same-fd Unsupported state")
		}
	}()
	m.setPolling(con, poll.ReadWrite)
}

// stubController is a no-op poll.Controller for unit tests that only need
// setPolling's bookkeeping, not real epoll.
type stubController struct{}

func (s *stubController) Link(fd int, mode poll.Mode, name, caller string) error   { return nil }
func (s *stubController) Relink(fd int, mode poll.Mode, name, caller string) error { return nil }
func (s *stubController) Unlink(fd int, name, caller string)                      {}
func (s *stubController) Interrupt()                                              {}
func (s *stubController) Wait(ctx context.Context) ([]poll.Ready, error)           { return nil, nil }
func (s *stubController) Close() error                                            { return nil }

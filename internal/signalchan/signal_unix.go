//go:build unix

package signalchan

import (
	"os"
	"syscall"
)

// signalNumber extracts the raw signal number from an os.Signal, which on
// unix platforms is always a syscall.Signal underneath.
func signalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return -1
}

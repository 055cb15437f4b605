package conmgr

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ManagerConfig tunes the Manager. Mirrors the teacher's
// ws.ServerConfig/DefaultServerConfig shape: a plain struct plus a
// Default constructor, no file-based configuration layer (spec.md places
// configuration parsing out of scope).
type ManagerConfig struct {
	// InBufferSoftCap bounds how much unconsumed input a connection may
	// accumulate before ReadOnly/ReadWrite is dropped from its next poll
	// mode. Not part of the original spec's fixed behavior, exposed here
	// as the Go knob needed to make the soft-cap rule configurable.
	InBufferSoftCap int

	// ShutdownDrainTimeout bounds how long Shutdown waits for in-flight
	// callbacks to return before force-closing everything. Queued writes
	// are not waited for.
	ShutdownDrainTimeout time.Duration

	// Logger receives structured log output. Defaults to logrus's
	// standard logger.
	Logger *logrus.Logger

	// WorkerConcurrency bounds the number of callbacks the manager's
	// internal worker pool runs concurrently. See internal/workpool.
	WorkerConcurrency int
}

// DefaultManagerConfig returns sensible defaults, the conmgr analog of the
// teacher's DefaultServerConfig.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		InBufferSoftCap:      4 << 20, // 4 MiB
		ShutdownDrainTimeout: 30 * time.Second,
		Logger:               logrus.StandardLogger(),
		WorkerConcurrency:    64,
	}
}

// Package process defines the abstraction over a session's pseudo-terminal
// backed child process.
//
// The registry and session pipeline only see this interface; the concrete
// PTY implementation lives alongside it. Tests substitute fake processes
// through the same interface to exercise lifecycle and crash paths without
// spawning real children.
package process

import (
	"context"
	"errors"
)

// Common errors returned by Process implementations.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrNotRunning is returned when an operation requires a running process.
	ErrNotRunning = errors.New("process not running")
)

// Config holds the settings for spawning a process.
type Config struct {
	// Command is the executable to run (required).
	Command string

	// Args are the command arguments.
	Args []string

	// WorkDir is the working directory the process is rooted at.
	WorkDir string

	// Env is the full environment for the process. If nil, the parent
	// environment is inherited. TERM is always forced to a color-capable
	// value so interactive CLIs behave as in a real terminal.
	Env []string

	// Cols and Rows are the initial terminal dimensions.
	Cols uint16
	Rows uint16
}

// DefaultConfig returns a Config with standard terminal dimensions.
func DefaultConfig() Config {
	return Config{
		Cols: 80,
		Rows: 24,
	}
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.Command == "" {
		return errors.New("Command is required")
	}
	return nil
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the process exit code. -1 if the process was killed by a
	// signal or the code could not be determined.
	Code int

	// Err is the error from waiting on the process, if any.
	Err error
}

// Process is one pseudo-terminal backed child process.
//
// The typical lifecycle:
//  1. Start(ctx) spawns the child attached to a PTY.
//  2. Output() yields raw output chunks in order until the channel closes,
//     which signals process exit.
//  3. Write and Resize forward input and geometry while running.
//  4. Stop requests termination; Kill forces it.
//  5. After Output closes, ExitStatus reports how the process ended.
type Process interface {
	// Start launches the process. Returns ErrAlreadyStarted on a second
	// call, or a spawn error if the executable cannot be started.
	Start(ctx context.Context) error

	// Output returns the channel of raw output chunks. Chunks are
	// delivered in the order produced. The channel is closed when the
	// process exits. Each chunk is owned by the receiver.
	Output() <-chan []byte

	// Write sends bytes to the process input. Returns ErrNotRunning if
	// the process has exited.
	Write(p []byte) error

	// Resize changes the terminal geometry. Returns ErrNotRunning if the
	// process has exited.
	Resize(cols, rows uint16) error

	// Running reports whether the process is currently alive.
	Running() bool

	// Stop requests graceful termination (SIGTERM). Safe to call on an
	// exited process.
	Stop() error

	// Kill forces termination. Safe to call on an exited process.
	Kill() error

	// ExitStatus reports how the process ended. Only meaningful after
	// Output has closed.
	ExitStatus() ExitStatus

	// PID returns the process id, or 0 if not started.
	PID() int
}

// Spawner creates a Process from a Config. The registry uses NewPTY in
// production; tests inject fakes.
type Spawner func(cfg Config) Process

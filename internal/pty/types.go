package pty

import (
	"fmt"
	"os"
)

// Mode selects how a process is attached to its controlling side.
type Mode string

const (
	// ModePTY runs the command on a real pseudo-terminal. Resize is exact.
	ModePTY Mode = "pty"
	// ModePipe runs the command on plain pipes with stdout and stderr merged.
	// Resize cannot change a pipe, so it only records the size and sends
	// SIGWINCH as a hint; programs that query the terminal will not see it.
	ModePipe Mode = "pipe"
)

const (
	defaultCols = 120
	defaultRows = 40
)

// Options configure a spawned process.
type Options struct {
	Cols int
	Rows int
	Dir  string
	// Env replaces the inherited environment when non-nil.
	Env []string
}

// Process is the capability set every supervised process exposes,
// regardless of how it was spawned.
type Process interface {
	PID() int
	// Write sends bytes to the process. Writes after exit are dropped.
	Write(p []byte)
	// Resize is best-effort; see Mode for fidelity.
	Resize(cols, rows int)
	// Kill signals the process (SIGTERM when sig is nil). Only the first
	// call has an effect.
	Kill(sig os.Signal)
	// OnData registers an output subscriber. Subscribers are called in
	// registration order from a single goroutine, so output order is
	// preserved. Output emitted before the first subscriber is held and
	// replayed to it, even after exit. p is only valid for the duration of
	// the call. Must not be called from inside a subscriber.
	OnData(fn func(p []byte))
	// OnExit registers an exit subscriber. Each is called exactly once;
	// subscribers registered after exit are called immediately.
	OnExit(fn func(code int))
	// Done is closed after every exit subscriber has returned.
	Done() <-chan struct{}
}

// SpawnError reports that the executable could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("pty: spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

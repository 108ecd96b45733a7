package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var errEmptyCommand = errors.New("empty command")

// Supervisor spawns processes and tracks the ones still alive.
type Supervisor struct {
	mode      Mode
	killGrace time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	procs map[int]Process
}

// NewSupervisor creates a Supervisor that spawns processes in mode.
func NewSupervisor(mode Mode, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModePTY
	}
	return &Supervisor{
		mode:      mode,
		killGrace: defaultKillGrace,
		logger:    logger,
		procs:     make(map[int]Process),
	}
}

// Mode reports the spawn mode.
func (s *Supervisor) Mode() Mode { return s.mode }

// Spawn starts command with args. Failures are returned as *SpawnError.
func (s *Supervisor) Spawn(command string, args []string, opts Options) (Process, error) {
	if command == "" {
		return nil, &SpawnError{Err: errEmptyCommand}
	}

	var (
		proc Process
		err  error
	)
	switch s.mode {
	case ModePTY:
		proc, err = startPTY(command, args, opts, s.killGrace, s.logger)
	case ModePipe:
		proc, err = startPipe(command, args, opts, s.killGrace, s.logger)
	default:
		err = fmt.Errorf("unknown process mode %q", s.mode)
	}
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	pid := proc.PID()
	s.mu.Lock()
	s.procs[pid] = proc
	s.mu.Unlock()
	proc.OnExit(func(int) {
		s.mu.Lock()
		delete(s.procs, pid)
		s.mu.Unlock()
	})

	s.logger.Info("process spawned", "pid", pid, "command", command, "mode", s.mode, "dir", opts.Dir)
	return proc, nil
}

// Count returns the number of processes that have not exited yet.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Close kills every live process and waits up to timeout for them to exit.
func (s *Supervisor) Close(timeout time.Duration) {
	s.mu.Lock()
	procs := make([]Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Kill(nil)
	}
	deadline := time.After(timeout)
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-deadline:
			return
		}
	}
}

package pty

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// defaultKillGrace is how long a signalled process gets before SIGKILL.
// Interactive shells ignore SIGTERM, so the escalation is what actually
// ends them when the hangup does not.
const defaultKillGrace = 2 * time.Second

// exitDrainTimeout bounds how long the exit path waits for the read pump
// to drain trailing output once the process has been reaped.
const exitDrainTimeout = 500 * time.Millisecond

type terminator struct {
	once  sync.Once
	proc  *os.Process
	done  <-chan struct{}
	grace time.Duration
	// after runs once the signal has been sent, e.g. to hang up a pty.
	after func(sig os.Signal)
}

func (t *terminator) kill(sig os.Signal) {
	t.once.Do(func() {
		select {
		case <-t.done:
			return
		default:
		}
		if sig == nil {
			sig = syscall.SIGTERM
		}
		_ = t.proc.Signal(sig)
		if t.after != nil {
			t.after(sig)
		}
		go func() {
			select {
			case <-t.done:
			case <-time.After(t.grace):
				_ = t.proc.Kill()
			}
		}()
	})
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}

func buildCommand(command string, args []string, opts Options) *exec.Cmd {
	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	} else {
		cmd.Env = os.Environ()
	}
	return cmd
}

func normalizeSize(cols, rows int) (uint16, uint16) {
	if cols <= 0 || cols > 0xffff {
		cols = defaultCols
	}
	if rows <= 0 || rows > 0xffff {
		rows = defaultRows
	}
	return uint16(cols), uint16(rows)
}

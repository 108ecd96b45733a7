package pty

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	creackpty "github.com/creack/pty"
)

// ptyProcess wraps a child process running inside a pseudo-terminal.
type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	obs  observers
	term terminator

	mu     sync.Mutex
	exited bool
	cols   uint16
	rows   uint16

	closeOnce sync.Once
	readDone  chan struct{}
	done      chan struct{}
	logger    *slog.Logger
}

func startPTY(command string, args []string, opts Options, grace time.Duration, logger *slog.Logger) (*ptyProcess, error) {
	cmd := buildCommand(command, args, opts)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	cols, rows := normalizeSize(opts.Cols, opts.Rows)
	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	p := &ptyProcess{
		cmd:      cmd,
		ptmx:     ptmx,
		cols:     cols,
		rows:     rows,
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
	p.term = terminator{proc: cmd.Process, done: p.done, grace: grace, after: func(os.Signal) { p.closePTY() }}

	go p.readPump()
	go p.waitExit()
	return p, nil
}

func (p *ptyProcess) readPump() {
	defer close(p.readDone)
	buf := make([]byte, 16*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			p.obs.emitData(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (p *ptyProcess) waitExit() {
	_ = p.cmd.Wait()
	code := exitCode(p.cmd.ProcessState)

	select {
	case <-p.readDone:
	case <-time.After(exitDrainTimeout):
	}

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	p.closePTY()

	p.logger.Debug("pty process exited", "pid", p.PID(), "code", code)
	p.obs.emitExit(code)
	close(p.done)
}

func (p *ptyProcess) closePTY() {
	p.closeOnce.Do(func() {
		_ = p.ptmx.Close()
	})
}

func (p *ptyProcess) PID() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	if _, err := p.ptmx.Write(data); err != nil {
		p.logger.Debug("pty write failed", "pid", p.PID(), "error", err)
	}
}

func (p *ptyProcess) Resize(cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	c, r := normalizeSize(cols, rows)
	if err := creackpty.Setsize(p.ptmx, &creackpty.Winsize{Cols: c, Rows: r}); err != nil {
		p.logger.Debug("pty resize failed", "pid", p.PID(), "error", err)
		return
	}
	p.cols, p.rows = c, r
}

func (p *ptyProcess) Kill(sig os.Signal) { p.term.kill(sig) }

func (p *ptyProcess) OnData(fn func([]byte)) { p.obs.addData(fn) }

func (p *ptyProcess) OnExit(fn func(int)) { p.obs.addExit(fn) }

func (p *ptyProcess) Done() <-chan struct{} { return p.done }

package pty

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// pipeProcess runs a command on plain pipes. It is the fallback when a
// pseudo-terminal cannot be allocated. The terminal size is exported via
// COLUMNS and LINES at spawn time only.
type pipeProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *os.File

	obs  observers
	term terminator

	mu     sync.Mutex
	exited bool
	cols   uint16
	rows   uint16

	readDone chan struct{}
	done     chan struct{}
	logger   *slog.Logger
}

func startPipe(command string, args []string, opts Options, grace time.Duration, logger *slog.Logger) (*pipeProcess, error) {
	cmd := buildCommand(command, args, opts)
	cols, rows := normalizeSize(opts.Cols, opts.Rows)
	cmd.Env = append(cmd.Env,
		"COLUMNS="+strconv.Itoa(int(cols)),
		"LINES="+strconv.Itoa(int(rows)),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// The child holds its own copy of the write end; ours must go so the
	// reader sees EOF when the child exits.
	_ = w.Close()

	p := &pipeProcess{
		cmd:      cmd,
		stdin:    stdin,
		output:   r,
		cols:     cols,
		rows:     rows,
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
	p.term = terminator{proc: cmd.Process, done: p.done, grace: grace, after: p.signalGroup}

	go p.readPump()
	go p.waitExit()
	return p, nil
}

func (p *pipeProcess) readPump() {
	defer close(p.readDone)
	buf := make([]byte, 16*1024)
	for {
		n, err := p.output.Read(buf)
		if n > 0 {
			p.obs.emitData(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (p *pipeProcess) waitExit() {
	_ = p.cmd.Wait()
	code := exitCode(p.cmd.ProcessState)

	select {
	case <-p.readDone:
	case <-time.After(exitDrainTimeout):
	}

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	_ = p.output.Close()

	p.logger.Debug("pipe process exited", "pid", p.PID(), "code", code)
	p.obs.emitExit(code)
	close(p.done)
}

// signalGroup forwards the signal to the whole process group so children
// of a wrapper shell do not outlive it.
func (p *pipeProcess) signalGroup(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		_ = syscall.Kill(-p.PID(), s)
	}
}

func (p *pipeProcess) PID() int { return p.cmd.Process.Pid }

func (p *pipeProcess) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	if _, err := p.stdin.Write(data); err != nil {
		p.logger.Debug("pipe write failed", "pid", p.PID(), "error", err)
	}
}

// Resize records the new size and sends SIGWINCH. A pipe has no window
// size, so this only helps programs that re-read COLUMNS/LINES-like state
// of their own.
func (p *pipeProcess) Resize(cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.cols, p.rows = normalizeSize(cols, rows)
	_ = p.cmd.Process.Signal(syscall.SIGWINCH)
}

func (p *pipeProcess) Kill(sig os.Signal) { p.term.kill(sig) }

func (p *pipeProcess) OnData(fn func([]byte)) { p.obs.addData(fn) }

func (p *pipeProcess) OnExit(fn func(int)) { p.obs.addExit(fn) }

func (p *pipeProcess) Done() <-chan struct{} { return p.done }

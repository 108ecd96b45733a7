// Package tunnel exposes the local listener through an external tunneling
// helper and reports the public URL it announces.
package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultStartTimeout bounds how long Start waits for a URL.
	DefaultStartTimeout = 30 * time.Second
	portPlaceholder     = "{port}"
)

// DefaultCommand runs cloudflared's quick tunnel.
var DefaultCommand = []string{"cloudflared", "tunnel", "--url", "http://localhost:{port}"}

// DefaultURLPattern matches the URL cloudflared prints for a quick tunnel.
var DefaultURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

var (
	ErrAlreadyRunning = errors.New("tunnel: already running")
	ErrNotInstalled   = errors.New("tunnel: helper not installed")
	ErrTimeout        = errors.New("tunnel: timed out waiting for public URL")
)

// ExitError reports that the helper exited before announcing a URL.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("tunnel: helper exited with code %d before producing a URL", e.Code)
}

// Config configures a Service.
type Config struct {
	// Command is the helper argv; "{port}" is replaced by the local port.
	Command      []string
	URLPattern   *regexp.Regexp
	StartTimeout time.Duration
	Logger       *slog.Logger
}

// Service runs at most one tunnel helper at a time.
type Service struct {
	command []string
	pattern *regexp.Regexp
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	url     string
	running bool
	// gen identifies the current helper so a stale monitor never clears
	// state belonging to a newer run.
	gen uint64
}

// New creates a Service. Zero fields in cfg take defaults.
func New(cfg Config) *Service {
	s := &Service{
		command: cfg.Command,
		pattern: cfg.URLPattern,
		timeout: cfg.StartTimeout,
		logger:  cfg.Logger,
	}
	if len(s.command) == 0 {
		s.command = DefaultCommand
	}
	if s.pattern == nil {
		s.pattern = DefaultURLPattern
	}
	if s.timeout <= 0 {
		s.timeout = DefaultStartTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start launches the helper for localPort and returns the first public URL
// it prints on stdout or stderr. A pending Start ends only when a URL
// appears, the helper exits, the start timeout fires or Stop is called.
func (s *Service) Start(localPort int) (string, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return "", ErrAlreadyRunning
	}

	argv := expand(s.command, localPort)
	cmd := exec.Command(argv[0], argv[1:]...)
	r, w, err := os.Pipe()
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("tunnel: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		_ = r.Close()
		_ = w.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotInstalled, argv[0])
		}
		return "", fmt.Errorf("tunnel: start %s: %w", argv[0], err)
	}
	_ = w.Close()

	s.gen++
	gen := s.gen
	s.cmd = cmd
	s.running = true
	s.mu.Unlock()

	found := make(chan string, 1)
	exited := make(chan int, 1)
	var tail lineTail

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		s.scan(r, found, &tail)
	}()
	go func() {
		_ = cmd.Wait()
		// A grandchild may still hold the pipe open; do not wait on it
		// forever.
		select {
		case <-scanned:
		case <-time.After(500 * time.Millisecond):
		}
		_ = r.Close()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		s.mu.Lock()
		if s.gen == gen {
			if s.url != "" {
				s.logger.Warn("tunnel helper exited", "code", code, "url", s.url)
			}
			s.cmd = nil
			s.url = ""
			s.running = false
		}
		s.mu.Unlock()
		exited <- code
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case url := <-found:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen || !s.running {
			code := -1
			select {
			case code = <-exited:
			default:
			}
			return "", &ExitError{Code: code, Output: tail.String()}
		}
		s.url = url
		s.logger.Info("tunnel started", "url", url, "port", localPort)
		return url, nil
	case code := <-exited:
		return "", &ExitError{Code: code, Output: tail.String()}
	case <-timer.C:
		s.stopGen(gen)
		return "", ErrTimeout
	}
}

// Stop terminates the helper and clears state. Safe to call at any time.
func (s *Service) Stop() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.stopGen(gen)
}

func (s *Service) stopGen(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.url = ""
	s.running = false
	s.gen++
}

// URL returns the current public URL, or "" when no tunnel is up.
func (s *Service) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Running reports whether a helper is alive.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) scan(r io.Reader, found chan<- string, tail *lineTail) {
	sc := bufio.NewScanner(r)
	sent := false
	for sc.Scan() {
		line := sc.Text()
		tail.add(line)
		if sent {
			continue
		}
		if url := s.pattern.FindString(line); url != "" {
			found <- url
			sent = true
		}
	}
}

func expand(command []string, port int) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = strings.ReplaceAll(arg, portPlaceholder, strconv.Itoa(port))
	}
	return out
}

// lineTail keeps the last few output lines for error reports.
type lineTail struct {
	mu    sync.Mutex
	lines []string
}

const tailLines = 10

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > tailLines {
		t.lines = t.lines[len(t.lines)-tailLines:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

package tunnel

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func helper(script string) []string {
	return []string{"sh", "-c", script}
}

func TestStartReturnsAnnouncedURL(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"stdout", `echo "INF | https://quiet-fox-1.trycloudflare.com |"; exec sleep 30`, "https://quiet-fox-1.trycloudflare.com"},
		{"stderr", `echo noise; echo "https://loud-owl.trycloudflare.com" >&2; exec sleep 30`, "https://loud-owl.trycloudflare.com"},
		{"port substituted", `echo https://p{port}.trycloudflare.com; exec sleep 30`, "https://p8080.trycloudflare.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{Command: helper(tt.script), StartTimeout: 5 * time.Second})
			defer s.Stop()

			url, err := s.Start(8080)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if url != tt.want {
				t.Fatalf("url = %q, want %q", url, tt.want)
			}
			if !s.Running() || s.URL() != tt.want {
				t.Fatalf("state = running:%v url:%q", s.Running(), s.URL())
			}
		})
	}
}

func TestStartRejectsSecondTunnel(t *testing.T) {
	s := New(Config{Command: helper(`echo https://a.trycloudflare.com; exec sleep 30`)})
	defer s.Stop()

	if _, err := s.Start(8080); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := s.Start(8080); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartHelperNotInstalled(t *testing.T) {
	s := New(Config{Command: []string{"no-such-tunnel-helper-xyz", "--url", "{port}"}})
	_, err := s.Start(8080)
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("error = %v, want ErrNotInstalled", err)
	}
	if s.Running() {
		t.Fatal("service reports running after failed start")
	}
}

func TestStartTimeout(t *testing.T) {
	s := New(Config{Command: helper(`echo starting; exec sleep 30`), StartTimeout: 200 * time.Millisecond})
	_, err := s.Start(8080)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if s.Running() || s.URL() != "" {
		t.Fatal("state not cleared after timeout")
	}
}

func TestStartEarlyExit(t *testing.T) {
	s := New(Config{Command: helper(`echo "failed to reach edge"; exit 3`), StartTimeout: 5 * time.Second})
	_, err := s.Start(8080)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *ExitError", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("exit code = %d, want 3", exitErr.Code)
	}
	if !strings.Contains(exitErr.Output, "failed to reach edge") {
		t.Fatalf("output = %q", exitErr.Output)
	}
	if s.Running() {
		t.Fatal("service reports running after early exit")
	}
}

func TestStateClearedWhenHelperCrashesLater(t *testing.T) {
	s := New(Config{Command: helper(`echo https://b.trycloudflare.com; sleep 0.3; exit 1`)})
	if _, err := s.Start(8080); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if s.Running() || s.URL() != "" {
		t.Fatalf("state after crash = running:%v url:%q", s.Running(), s.URL())
	}

	if _, err := s.Start(8080); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	s.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Config{Command: helper(`echo https://c.trycloudflare.com; exec sleep 30`)})
	s.Stop()
	if _, err := s.Start(8080); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
	if s.Running() || s.URL() != "" {
		t.Fatal("state not cleared by Stop")
	}
}

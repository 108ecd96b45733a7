package bridge

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (f *flushRecorder) record(text string) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
}

func (f *flushRecorder) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func TestCoalescerDebouncesBurstIntoOneFlush(t *testing.T) {
	var rec flushRecorder
	c := NewCoalescer(80*time.Millisecond, rec.record)

	c.Append([]byte("a"))
	time.Sleep(40 * time.Millisecond)
	c.Append([]byte("b"))
	time.Sleep(40 * time.Millisecond)
	c.Append([]byte("c"))

	time.Sleep(250 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 1 || got[0] != "abc" {
		t.Fatalf("flushes = %q, want [\"abc\"]", got)
	}
}

func TestCoalescerEscapeOnlyOutputNeverFlushes(t *testing.T) {
	var rec flushRecorder
	c := NewCoalescer(30*time.Millisecond, rec.record)

	c.Append([]byte("\x1b[2J"))
	c.Append([]byte("\x1b[H"))
	time.Sleep(150 * time.Millisecond)

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("flushes = %q, want none", got)
	}
}

func TestCoalescerStripsSequenceSplitAcrossChunks(t *testing.T) {
	var rec flushRecorder
	c := NewCoalescer(30*time.Millisecond, rec.record)

	c.Append([]byte("ok\x1b["))
	c.Append([]byte("31mred\x1b[0"))
	c.Append([]byte("m\n"))
	time.Sleep(150 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 1 || got[0] != "okred\n" {
		t.Fatalf("flushes = %q, want [\"okred\\n\"]", got)
	}
}

func TestCoalescerDestroyDropsPendingOutput(t *testing.T) {
	var rec flushRecorder
	c := NewCoalescer(30*time.Millisecond, rec.record)

	c.Append([]byte("lost"))
	if !c.Pending() {
		t.Fatal("expected a pending flush after Append")
	}
	c.Destroy()
	c.Destroy()
	c.Append([]byte("after"))
	time.Sleep(120 * time.Millisecond)

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("flushes = %q, want none after Destroy", got)
	}
	if c.Pending() {
		t.Fatal("destroyed coalescer still has a pending timer")
	}
}

func TestCoalescerSeparateQuietPeriodsFlushSeparately(t *testing.T) {
	var rec flushRecorder
	c := NewCoalescer(30*time.Millisecond, rec.record)

	c.Append([]byte("first"))
	time.Sleep(120 * time.Millisecond)
	c.Append([]byte("second"))
	time.Sleep(120 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("flushes = %q, want [first second]", got)
	}
}

func TestCoalescerExplicitFlush(t *testing.T) {
	var rec flushRecorder
	c := NewCoalescer(time.Hour, rec.record)

	c.Append([]byte("now"))
	c.Flush()
	c.Flush()

	got := rec.snapshot()
	if len(got) != 1 || got[0] != "now" {
		t.Fatalf("flushes = %q, want [now]", got)
	}
	if c.Pending() {
		t.Fatal("timer still pending after Flush")
	}
}

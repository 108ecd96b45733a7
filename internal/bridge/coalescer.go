package bridge

import (
	"bytes"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period after the last append before a
// coalescer flushes.
const DefaultDebounce = 1500 * time.Millisecond

// Coalescer batches raw process output for one room. Each Append restarts
// a single debounce timer; when output goes quiet the buffer is stripped of
// terminal sequences and handed to onFlush. Stripping waits for the flush
// so escape sequences split across chunks are still recognised.
type Coalescer struct {
	mu sync.Mutex
	// delivering is taken before mu is released so flushes reach onFlush
	// in the order their text was taken.
	delivering sync.Mutex

	buf       bytes.Buffer
	timer     *time.Timer
	gen       uint64
	delay     time.Duration
	onFlush   func(text string)
	destroyed bool
}

// NewCoalescer creates a Coalescer that calls onFlush with non-empty
// stripped text after delay of quiet.
func NewCoalescer(delay time.Duration, onFlush func(string)) *Coalescer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Coalescer{delay: delay, onFlush: onFlush}
}

// Append buffers chunk and restarts the debounce timer.
func (c *Coalescer) Append(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.buf.Write(chunk)

	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.delay, func() { c.fire(gen) })
}

// fire runs on the timer goroutine. A timer that was superseded or
// destroyed after it started running sees a stale generation and does
// nothing.
func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	text := c.takeLocked()
	c.delivering.Lock()
	c.mu.Unlock()

	c.deliver(text)
}

// Flush strips and delivers whatever is buffered now, cancelling the
// pending timer.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	text := c.takeLocked()
	c.delivering.Lock()
	c.mu.Unlock()

	c.deliver(text)
}

// Destroy cancels the pending flush and drops buffered output.
func (c *Coalescer) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.buf.Reset()
}

// Pending reports whether a flush is scheduled.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Coalescer) takeLocked() string {
	raw := c.buf.String()
	c.buf.Reset()
	return StripTerminal(raw)
}

// deliver must be entered holding c.delivering.
func (c *Coalescer) deliver(text string) {
	defer c.delivering.Unlock()
	if text == "" || c.onFlush == nil {
		return
	}
	c.onFlush(text)
}

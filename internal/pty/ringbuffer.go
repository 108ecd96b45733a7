package pty

import "sync"

// RingBuffer keeps the most recent output of a process so late joiners can
// be brought up to date. Oldest bytes are overwritten when full.
type RingBuffer struct {
	mu   sync.Mutex
	data []byte
	pos  int
	full bool
}

// NewRingBuffer creates a RingBuffer holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write appends p, overwriting the oldest data when full.
func (r *RingBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := len(r.data)
	if len(p) >= size {
		copy(r.data, p[len(p)-size:])
		r.pos = 0
		r.full = true
		return
	}
	n := copy(r.data[r.pos:], p)
	if n < len(p) {
		copy(r.data, p[n:])
		r.full = true
	}
	next := r.pos + len(p)
	if next >= size {
		r.full = true
	}
	r.pos = next % size
}

// Bytes returns a copy of the buffered data in chronological order.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.data[:r.pos]...)
	}
	out := make([]byte, len(r.data))
	copy(out, r.data[r.pos:])
	copy(out[len(r.data)-r.pos:], r.data[:r.pos])
	return out
}

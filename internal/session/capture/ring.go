// Package capture provides the buffers backing a session's output history:
// a frame buffer holding the normalized scrollback replayed to new
// subscribers, and a raw byte ring retaining the unprocessed output tail
// for crash diagnostics.
package capture

import "sync"

// RingBuffer is a thread-safe circular buffer over raw output bytes.
//
// The registry keeps one per session so that when a process dies
// unexpectedly, the report can include the last bytes it wrote before
// exit, including control sequences the preprocessor would have stripped.
// When the buffer fills, new data overwrites the oldest data.
//
// RingBuffer implements io.Writer.
type RingBuffer struct {
	data  []byte
	size  int
	start int
	end   int
	full  bool
	mu    sync.RWMutex
}

// NewRingBuffer creates a ring buffer retaining the most recent size bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// Write appends data, overwriting the oldest bytes once the buffer is full.
// It always succeeds and returns len(p), nil.
func (r *RingBuffer) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n = len(p)

	for _, b := range p {
		r.data[r.end] = b
		r.end = (r.end + 1) % r.size

		if r.full {
			r.start = (r.start + 1) % r.size
		}

		if r.end == r.start {
			r.full = true
		}
	}

	return n, nil
}

// Bytes returns a copy of the buffered data in chronological order.
func (r *RingBuffer) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full && r.start == 0 {
		return append([]byte(nil), r.data[:r.end]...)
	}

	result := make([]byte, 0, r.len())
	if r.full || r.end < r.start {
		result = append(result, r.data[r.start:]...)
		result = append(result, r.data[:r.end]...)
	} else {
		result = append(result, r.data[r.start:r.end]...)
	}

	return result
}

// Len returns the number of bytes currently stored.
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.len()
}

// len returns the stored byte count (caller must hold the lock).
func (r *RingBuffer) len() int {
	if r.full {
		return r.size
	}

	if r.end >= r.start {
		return r.end - r.start
	}

	return r.size - r.start + r.end
}

// Reset clears the buffer, retaining the underlying memory.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.start = 0
	r.end = 0
	r.full = false
}

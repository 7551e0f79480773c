package capture

import "sync"

// Frame is one normalized output event: text safe to append to the client
// display, and whether the client should discard prior text first.
type Frame struct {
	Text  string
	Clear bool
}

// FrameBuffer is the bounded, ordered scrollback of a session's normalized
// output. It is monotonically appended, except that a frame carrying the
// clear signal truncates the history before being stored, so replaying the
// buffer to a new subscriber reproduces the post-clear display.
//
// Two caps bound memory: total text bytes and frame count. Oldest frames
// are evicted first once either cap is exceeded.
type FrameBuffer struct {
	mu        sync.RWMutex
	frames    []Frame
	bytes     int
	maxBytes  int
	maxFrames int
}

// NewFrameBuffer creates a scrollback buffer with the given caps.
// Non-positive caps disable the corresponding bound.
func NewFrameBuffer(maxBytes, maxFrames int) *FrameBuffer {
	return &FrameBuffer{
		maxBytes:  maxBytes,
		maxFrames: maxFrames,
	}
}

// Append stores one frame, evicting the oldest frames as needed to stay
// within the caps. A clear frame truncates the buffer first.
func (b *FrameBuffer) Append(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f.Clear {
		b.frames = b.frames[:0]
		b.bytes = 0
	}

	b.frames = append(b.frames, f)
	b.bytes += len(f.Text)

	for len(b.frames) > 1 && b.overCap() {
		b.bytes -= len(b.frames[0].Text)
		b.frames = b.frames[1:]
	}
}

// overCap reports whether either cap is exceeded (caller must hold lock).
func (b *FrameBuffer) overCap() bool {
	if b.maxBytes > 0 && b.bytes > b.maxBytes {
		return true
	}
	if b.maxFrames > 0 && len(b.frames) > b.maxFrames {
		return true
	}
	return false
}

// Snapshot returns a copy of the buffered frames in order.
func (b *FrameBuffer) Snapshot() []Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

// Bytes returns the total text bytes currently buffered.
func (b *FrameBuffer) Bytes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytes
}

// Clear empties the buffer.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = b.frames[:0]
	b.bytes = 0
}

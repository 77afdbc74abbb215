// Package frame re-chunks an audio byte stream into fixed-size recognizer frames.
package frame

import "iter"

// DefaultSize is 80ms of 16kHz 16-bit mono PCM.
const DefaultSize = 1280 * 2

// Buffer accumulates audio bytes and hands them out in frames of exactly Size bytes.
// Bytes left over after a drain stay pending, in order, until more audio arrives
// or the caller flushes them. A Buffer has a single owner and is not safe for
// concurrent use.
type Buffer struct {
	size    int
	pending []byte
}

// NewBuffer creates a buffer producing frames of size bytes.
// A non-positive size falls back to DefaultSize.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{size: size}
}

// Size returns the frame size.
func (b *Buffer) Size() int { return b.size }

// Pending returns the number of buffered bytes not yet handed out.
func (b *Buffer) Pending() int { return len(b.pending) }

// Append adds a chunk to the end of the pending bytes.
func (b *Buffer) Append(chunk []byte) {
	b.pending = append(b.pending, chunk...)
}

// Frames yields every complete frame currently buffered. Each yielded frame is
// removed from the buffer before it is handed out, so stopping early leaves the
// rest pending. Frames are copies owned by the caller.
func (b *Buffer) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for len(b.pending) >= b.size {
			f := make([]byte, b.size)
			copy(f, b.pending[:b.size])
			b.consume(b.size)
			if !yield(f) {
				return
			}
		}
	}
}

// Drain returns all complete frames at once.
func (b *Buffer) Drain() [][]byte {
	var out [][]byte
	for f := range b.Frames() {
		out = append(out, f)
	}
	return out
}

// Flush returns the short remainder and empties the buffer.
// It returns nil when nothing is pending.
func (b *Buffer) Flush() []byte {
	if len(b.pending) == 0 {
		return nil
	}
	out := make([]byte, len(b.pending))
	copy(out, b.pending)
	b.pending = b.pending[:0]
	return out
}

// Reset discards pending audio.
func (b *Buffer) Reset() {
	b.pending = nil
}

func (b *Buffer) consume(n int) {
	rest := len(b.pending) - n
	// shift in place so the backing array does not grow without bound
	copy(b.pending, b.pending[n:])
	b.pending = b.pending[:rest]
}

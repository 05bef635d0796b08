package util

import "sync"

// BoundedBuffer keeps the first max bytes written to it and counts the rest.
// Writes never fail, so a chatty child process is never blocked on its pipes.
type BoundedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int64
}

func NewBoundedBuffer(max int) *BoundedBuffer {
	return &BoundedBuffer{max: max}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += int64(len(p) - room)
	return len(p), nil
}

func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether any write was cut short.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

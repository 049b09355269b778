package stage

import (
	"bytes"
	"fmt"
	"sync"
)

// MaxOutputBytes caps captured stage output.
const MaxOutputBytes = 64 * 1024

// boundedBuffer keeps the first limit bytes written and counts the rest.
// It is safe for concurrent writers (stdout and stderr copiers) and can be
// sealed so an abandoned action cannot append after the result is final.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int64
	sealed  bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return len(p), nil
	}
	room := b.limit - b.buf.Len()
	if room >= len(p) {
		b.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += int64(len(p) - max(room, 0))
	// Report full consumption so writers do not fail with ErrShortWrite.
	return len(p), nil
}

func (b *boundedBuffer) WriteString(s string) {
	_, _ = b.Write([]byte(s))
}

// Seal freezes the buffer and returns its contents with a truncation marker
// when bytes were dropped.
func (b *boundedBuffer) Seal() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n...[truncated %d bytes]", b.dropped)
}

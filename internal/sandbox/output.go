package sandbox

import (
	"bytes"
	"sync"
)

// cappedBuffer keeps at most limit bytes and calls overflow once the producer
// writes past it. Writes never fail so the producer is not disturbed before the
// monitor stops it.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
	overflow  func()
}

func newCappedBuffer(limit int64, overflow func()) *cappedBuffer {
	return &cappedBuffer{limit: limit, overflow: overflow}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return b.buf.Write(p)
	}

	room := b.limit - int64(b.buf.Len())
	if int64(len(p)) <= room {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	if !b.truncated {
		b.truncated = true
		if b.overflow != nil {
			b.overflow()
		}
	}
	return len(p), nil
}

// Snapshot returns the retained bytes and whether anything was dropped.
func (b *cappedBuffer) Snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String(), b.truncated
}

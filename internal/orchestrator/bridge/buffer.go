package bridge

import (
	"sync"
	"time"
)

// StderrLine is one captured line of subprocess stderr.
type StderrLine struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// stderrBuffer is a fixed-size ring holding the tail of an agent's stderr,
// kept for failure diagnostics.
type stderrBuffer struct {
	mu    sync.RWMutex
	lines []StderrLine
	head  int
	count int
}

func newStderrBuffer(size int) *stderrBuffer {
	return &stderrBuffer{lines: make([]StderrLine, size)}
}

func (b *stderrBuffer) add(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % len(b.lines)
	if b.count < len(b.lines) {
		b.count++
	} else {
		b.head = (b.head + 1) % len(b.lines)
	}
	b.lines[idx] = StderrLine{Timestamp: time.Now().UTC(), Content: content}
}

// last returns the newest n lines, oldest first.
func (b *stderrBuffer) last(n int) []StderrLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]StderrLine, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.head+start+i)%len(b.lines)]
	}
	return out
}

package agents

import (
	"sync"
	"time"
)

// LogLine is one line of captured agent output.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	User      string    `json:"user"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
}

// LogBuffer retains the last N lines of one agent's output and fans
// them out to live subscribers (the SSE log-tail endpoint).
type LogBuffer struct {
	mu      sync.RWMutex
	lines   []LogLine
	maxSize int
	subs    map[chan LogLine]struct{}
	closed  bool
}

// NewLogBuffer creates a buffer retaining up to maxSize lines.
func NewLogBuffer(maxSize int) *LogBuffer {
	return &LogBuffer{
		lines:   make([]LogLine, 0, maxSize),
		maxSize: maxSize,
		subs:    make(map[chan LogLine]struct{}),
	}
}

// Append records a line and broadcasts it. Slow subscribers miss lines
// rather than blocking the agent's output pump.
func (b *LogBuffer) Append(user, agent, stream, line string) {
	entry := LogLine{
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		User:      user,
		Stream:    stream,
		Line:      line,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.lines) >= b.maxSize {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, entry)
	for ch := range b.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	b.mu.Unlock()
}

// Recent returns up to n of the most recent lines.
func (b *LogBuffer) Recent(n int) []LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.lines)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]LogLine, n)
	copy(out, b.lines[total-n:])
	return out
}

// Subscribe returns a channel receiving subsequent lines. Callers must
// Unsubscribe to avoid leaks.
func (b *LogBuffer) Subscribe() chan LogLine {
	ch := make(chan LogLine, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call
// after Close, which already closed every subscriber.
func (b *LogBuffer) Unsubscribe(ch chan LogLine) {
	b.mu.Lock()
	_, present := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if present {
		close(ch)
	}
}

// Close marks the buffer finished and closes all subscriber channels,
// which ends any SSE tail cleanly.
func (b *LogBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

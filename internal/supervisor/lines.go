package supervisor

import (
	"bytes"
	"strings"
	"sync"
)

// lineWriter receives raw chunks of one output stream, keeps a tail copy
// and emits complete lines. Partial lines wait for the next chunk or flush.
type lineWriter struct {
	stream   Stream
	events   chan<- Event
	stopping <-chan struct{}
	tail     *tailBuffer

	mu      *sync.Mutex // Shared by both streams of one process.
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	_, _ = w.tail.Write(p)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := string(w.pending[:i])
		w.pending = w.pending[i+1:]
		w.emit(line)
	}
	// Compact so a long-running process does not pin old chunks.
	if len(w.pending) == 0 {
		w.pending = nil
	}
	return len(p), nil
}

// flush emits whatever partial line remains. Called after the process exits.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		line := string(w.pending)
		w.pending = nil
		w.emit(line)
	}
}

// emit sends one cleaned line unless the supervisor is stopping.
// Caller holds w.mu.
func (w *lineWriter) emit(raw string) {
	line := strings.TrimSpace(strings.ToValidUTF8(raw, "�"))
	if line == "" {
		return
	}
	select {
	case <-w.stopping:
		return
	default:
	}
	select {
	case w.events <- Event{Kind: EventLine, Line: line, Stream: w.stream}:
	case <-w.stopping:
	}
}

// tailBuffer keeps only the last maxBytes written to it so the exit report
// carries a representative snippet without retaining the whole log.
type tailBuffer struct {
	maxBytes int

	mu       sync.Mutex
	total    int64
	contents []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	b.contents = append(b.contents, p...)
	if len(b.contents) > b.maxBytes {
		b.contents = append(b.contents[:0:0], b.contents[len(b.contents)-b.maxBytes:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.contents)
}

// Truncated reports whether older bytes were dropped.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.contents)) < b.total
}

package relay

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Sink receives relayed lines. Implementations must be safe for concurrent
// use and must not block for long: a slow sink stalls the worker's pipe.
type Sink interface {
	Write(l Line)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Line)

func (f SinkFunc) Write(l Line) { f(l) }

// Discard drops every line.
var Discard Sink = SinkFunc(func(Line) {})

// Multi fans a line out to every sink in order.
type Multi []Sink

func (m Multi) Write(l Line) {
	for _, s := range m {
		if s != nil {
			s.Write(l)
		}
	}
}

// LogSink writes lines to a slog logger; stderr lines are logged at warn.
type LogSink struct {
	Logger *slog.Logger
	Worker string
}

func (s LogSink) Write(l Line) {
	lg := s.Logger
	if lg == nil {
		lg = slog.Default()
	}
	level := slog.LevelInfo
	if l.Stream == Stderr {
		level = slog.LevelWarn
	}
	lg.Log(context.Background(), level, l.Text, "worker", s.Worker, "stream", string(l.Stream), "pid", l.PID)
}

// WriterSink copies raw lines to one writer per stream, e.g. rotating files.
type WriterSink struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func NewWriterSink(stdout, stderr io.Writer) *WriterSink {
	return &WriterSink{stdout: stdout, stderr: stderr}
}

func (s *WriterSink) Write(l Line) {
	w := s.stdout
	if l.Stream == Stderr {
		w = s.stderr
	}
	if w == nil {
		return
	}
	s.mu.Lock()
	_, _ = io.WriteString(w, l.Text+"\n")
	s.mu.Unlock()
}

// Close closes any underlying writer that is an io.Closer.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, w := range []io.Writer{s.stdout, s.stderr} {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Tail keeps the most recent lines of each stream in a fixed-size ring.
type Tail struct {
	mu   sync.RWMutex
	size int
	ring map[Stream]*ring
}

type ring struct {
	lines []Line
	start int
	count int
}

// DefaultTailSize is used when NewTail is given a non-positive size.
const DefaultTailSize = 200

func NewTail(size int) *Tail {
	if size <= 0 {
		size = DefaultTailSize
	}
	return &Tail{
		size: size,
		ring: map[Stream]*ring{
			Stdout: {lines: make([]Line, size)},
			Stderr: {lines: make([]Line, size)},
		},
	}
}

func (t *Tail) Write(l Line) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.ring[l.Stream]
	if !ok {
		return
	}
	idx := (r.start + r.count) % t.size
	r.lines[idx] = l
	if r.count < t.size {
		r.count++
	} else {
		r.start = (r.start + 1) % t.size
	}
}

// Lines returns the retained lines of stream in arrival order. A pid of 0
// returns every retained line; otherwise only lines from that worker.
func (t *Tail) Lines(stream Stream, pid int) []Line {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.ring[stream]
	if !ok {
		return nil
	}
	out := make([]Line, 0, r.count)
	for i := 0; i < r.count; i++ {
		l := r.lines[(r.start+i)%t.size]
		if pid != 0 && l.PID != pid {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Text joins Lines with newlines.
func (t *Tail) Text(stream Stream, pid int) string {
	lines := t.Lines(stream, pid)
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

package relay

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aioikid/voice-agent/internal/metrics"
)

// Stream identifies which worker output a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one relayed line of worker output.
type Line struct {
	Stream Stream    `json:"stream"`
	PID    int       `json:"pid"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Relay drains one output stream of a worker into a Sink.
// It runs until end-of-stream or the first read error and never restarts;
// the supervisor creates a fresh pair per worker.
type Relay struct {
	stream Stream
	pid    int
	src    io.ReadCloser
	sink   Sink
	logger *slog.Logger

	once  sync.Once
	done  chan struct{}
	lines atomic.Int64
	err   error
}

func New(stream Stream, pid int, src io.ReadCloser, sink Sink, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = Discard
	}
	return &Relay{stream: stream, pid: pid, src: src, sink: sink, logger: logger, done: make(chan struct{})}
}

// Start launches the drain goroutine. Subsequent calls are no-ops.
func (r *Relay) Start() *Relay {
	r.once.Do(func() { go r.run() })
	return r
}

// Done is closed when the relay has stopped.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Lines returns the number of lines forwarded so far.
func (r *Relay) Lines() int64 { return r.lines.Load() }

// Err returns the read error that stopped the relay, or nil on end-of-stream.
// Only valid after Done is closed.
func (r *Relay) Err() error {
	<-r.done
	return r.err
}

func (r *Relay) run() {
	defer close(r.done)
	defer func() { _ = r.src.Close() }()

	br := bufio.NewReader(r.src)
	for {
		text, err := br.ReadString('\n')
		if len(text) > 0 {
			r.emit(text)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			r.logger.Debug("worker stream closed", "stream", r.stream, "pid", r.pid, "lines", r.lines.Load())
			return
		}
		r.err = err
		r.logger.Error("worker stream read failed", "stream", r.stream, "pid", r.pid, "error", err)
		metrics.IncRelayError(string(r.stream))
		return
	}
}

func (r *Relay) emit(text string) {
	text = strings.TrimRight(text, "\r\n")
	r.lines.Add(1)
	metrics.IncLogLine(string(r.stream))
	r.sink.Write(Line{Stream: r.stream, PID: r.pid, Text: text, At: time.Now()})
}

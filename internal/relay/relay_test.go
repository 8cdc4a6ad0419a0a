package relay

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aioikid/voice-agent/internal/process"
)

type recorder struct {
	mu    sync.Mutex
	lines []Line
}

func (r *recorder) Write(l Line) {
	r.mu.Lock()
	r.lines = append(r.lines, l)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Line(nil), r.lines...)
}

func waitRelay(t *testing.T, r *Relay) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop in time")
	}
}

func TestRelay_ForwardsInOrderUntilEOF(t *testing.T) {
	pr, pw := io.Pipe()
	rec := &recorder{}
	r := New(Stdout, 42, pr, rec, nil).Start()

	go func() {
		for i := 0; i < 100; i++ {
			_, _ = fmt.Fprintf(pw, "line %d\n", i)
		}
		_ = pw.Close()
	}()
	waitRelay(t, r)

	if err := r.Err(); err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	got := rec.snapshot()
	if len(got) != 100 || r.Lines() != 100 {
		t.Fatalf("relayed %d lines (counter %d), want 100", len(got), r.Lines())
	}
	for i, l := range got {
		if l.Text != fmt.Sprintf("line %d", i) || l.Stream != Stdout || l.PID != 42 {
			t.Fatalf("line %d = %+v", i, l)
		}
	}
}

func TestRelay_PartialLastLineAndCRLF(t *testing.T) {
	rec := &recorder{}
	r := New(Stderr, 1, io.NopCloser(strings.NewReader("a\r\nb\nno-newline")), rec, nil).Start()
	waitRelay(t, r)
	got := rec.snapshot()
	want := []string{"a", "b", "no-newline"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines: %+v", len(got), got)
	}
	for i := range want {
		if got[i].Text != want[i] || got[i].Stream != Stderr {
			t.Fatalf("line %d = %+v, want %q", i, got[i], want[i])
		}
	}
}

func TestRelay_LongLineNotTruncated(t *testing.T) {
	long := strings.Repeat("x", 256*1024)
	rec := &recorder{}
	r := New(Stdout, 1, io.NopCloser(strings.NewReader(long+"\n")), rec, nil).Start()
	waitRelay(t, r)
	got := rec.snapshot()
	if len(got) != 1 || len(got[0].Text) != len(long) {
		t.Fatalf("long line mangled: %d lines", len(got))
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }
func (f failingReader) Close() error             { return nil }

func TestRelay_StopsOnReadError(t *testing.T) {
	boom := errors.New("boom")
	r := New(Stdout, 1, failingReader{err: boom}, &recorder{}, nil).Start()
	waitRelay(t, r)
	if !errors.Is(r.Err(), boom) {
		t.Fatalf("Err() = %v, want boom", r.Err())
	}
}

func TestRelay_StartIsIdempotent(t *testing.T) {
	rec := &recorder{}
	r := New(Stdout, 1, io.NopCloser(strings.NewReader("one\n")), rec, nil)
	r.Start()
	r.Start()
	waitRelay(t, r)
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("expected 1 line, got %d", n)
	}
}

// A real worker writing 100 lines and exiting yields exactly 100 lines per stream.
func TestRelay_WorkerStreams(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	w, err := process.Spawn(process.Spec{
		Command: `sh -c 'i=0; while [ $i -lt 100 ]; do echo "out $i"; echo "err $i" 1>&2; i=$((i+1)); done'`,
	}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	out, errs := &recorder{}, &recorder{}
	ro := New(Stdout, w.PID(), w.Stdout(), out, nil).Start()
	re := New(Stderr, w.PID(), w.Stderr(), errs, nil).Start()
	waitRelay(t, ro)
	waitRelay(t, re)

	for name, rec := range map[string]*recorder{"out": out, "err": errs} {
		got := rec.snapshot()
		if len(got) != 100 {
			t.Fatalf("%s: relayed %d lines, want 100", name, len(got))
		}
		for i, l := range got {
			if l.Text != fmt.Sprintf("%s %d", name, i) {
				t.Fatalf("%s: line %d = %q", name, i, l.Text)
			}
		}
	}
}

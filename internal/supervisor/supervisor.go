package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aioikid/voice-agent/internal/history"
	"github.com/aioikid/voice-agent/internal/metrics"
	"github.com/aioikid/voice-agent/internal/process"
	"github.com/aioikid/voice-agent/internal/relay"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultErrorBackoff = 60 * time.Second

	historyTimeout = 5 * time.Second
)

var (
	// ErrSpawn wraps every failure to launch the worker command.
	ErrSpawn = errors.New("failed to spawn worker")
	// ErrClosed is returned by Start and Restart after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")
)

// Restart reasons reported to metrics.
const (
	reasonManual     = "manual"
	reasonExited     = "exited"
	reasonSpawnRetry = "spawn_retry"
)

// State is the externally visible status of the worker.
type State struct {
	Running     bool       `json:"running"`
	LastStarted *time.Time `json:"last_started"`
	LastError   string     `json:"error,omitempty"`
	PID         int        `json:"pid,omitempty"`
	Restarts    int        `json:"restarts"`
	LastExit    *time.Time `json:"last_exit,omitempty"`
	ExitError   string     `json:"exit_error,omitempty"`
}

type Options struct {
	Spec         process.Spec
	PollInterval time.Duration
	ErrorBackoff time.Duration
	// Env is the complete worker environment; nil inherits the parent's.
	Env     []string
	Sink    relay.Sink
	Logger  *slog.Logger
	History []history.Sink
}

// Supervisor keeps exactly one worker process alive.
//
// restartMu serializes every terminate+spawn sequence so two restarts can
// never leave two live workers. mu guards state and the current worker and is
// only held for short reads and writes.
type Supervisor struct {
	spec         process.Spec
	env          []string
	sink         relay.Sink
	logger       *slog.Logger
	history      []history.Sink
	pollInterval time.Duration
	errorBackoff time.Duration

	restartMu sync.Mutex

	mu       sync.RWMutex
	state    State
	worker   *process.Worker
	reaped   *process.Worker // worker whose exit has been recorded
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
}

func New(opts Options) (*Supervisor, error) {
	spec := opts.Spec
	if spec.Name == "" {
		spec.Name = "agent"
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker spec: %w", err)
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = relay.LogSink{Logger: lg, Worker: spec.Name}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	return &Supervisor{
		spec:         spec,
		env:          opts.Env,
		sink:         sink,
		logger:       lg.With("worker", spec.Name),
		history:      opts.History,
		pollInterval: poll,
		errorBackoff: backoff,
		stop:         make(chan struct{}),
	}, nil
}

// Start launches the worker, replacing a live one if present.
// A launch failure is recorded in the state and returned wrapped in ErrSpawn.
func (s *Supervisor) Start() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	return s.launchLocked(false, "")
}

// Restart terminates the current worker (if any) and launches a new one.
func (s *Supervisor) Restart() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	return s.launchLocked(true, reasonManual)
}

// restartIfCurrent relaunches only if observed is still the current worker,
// so a monitor tick racing a manual restart does not replace the new worker.
func (s *Supervisor) restartIfCurrent(observed *process.Worker, reason string) (bool, error) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	s.mu.RLock()
	current := s.worker
	s.mu.RUnlock()
	if current != observed {
		return false, nil
	}
	return true, s.launchLocked(true, reason)
}

func (s *Supervisor) launchLocked(countRestart bool, reason string) error {
	s.mu.RLock()
	closed, old := s.closed, s.worker
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if old != nil {
		s.retire(old)
	}

	w, err := process.Spawn(s.spec, s.env)
	if err != nil {
		msg := err.Error()
		s.mu.Lock()
		s.worker = nil
		s.state.Running = false
		s.state.PID = 0
		s.state.LastError = msg
		s.mu.Unlock()
		metrics.IncSpawnFailure()
		metrics.SetRunning(false)
		s.logger.Error("failed to start agent worker", "command", s.spec.Command, "error", err)
		s.record(history.EventSpawnFailure, 0, msg)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	pid := w.PID()
	relay.New(relay.Stdout, pid, w.Stdout(), s.sink, s.logger).Start()
	relay.New(relay.Stderr, pid, w.Stderr(), s.sink, s.logger).Start()

	started := w.StartedAt()
	s.mu.Lock()
	s.worker = w
	s.state.Running = true
	s.state.LastStarted = &started
	s.state.LastError = ""
	s.state.PID = pid
	if countRestart {
		s.state.Restarts++
	}
	s.mu.Unlock()

	metrics.IncStart()
	if countRestart {
		metrics.IncRestart(reason)
	}
	metrics.SetRunning(true)
	s.logger.Info("agent worker started", "pid", pid, "command", s.spec.Command)
	s.record(history.EventStart, pid, "")
	return nil
}

// retire stops w if it is still alive, or records its exit if it died
// without the monitor noticing yet.
func (s *Supervisor) retire(w *process.Worker) {
	if !w.Alive() {
		s.markExited(w)
		return
	}
	s.logger.Info("terminating agent worker", "pid", w.PID(), "grace", s.spec.Grace())
	forced, err := w.Terminate(s.spec.Grace())
	if forced {
		metrics.IncForcedKill()
		s.logger.Warn("agent worker did not exit within grace period, killed", "pid", w.PID(), "grace", s.spec.Grace())
	}
	if err != nil {
		s.logger.Warn("terminate agent worker", "pid", w.PID(), "error", err)
	}
	s.mu.Lock()
	s.reaped = w
	s.setExitLocked(w)
	s.mu.Unlock()
	metrics.SetRunning(false)
	s.record(history.EventStop, w.PID(), errString(w.ExitErr()))
}

// markExited records the natural exit of w once.
func (s *Supervisor) markExited(w *process.Worker) {
	s.mu.Lock()
	if s.reaped == w {
		s.mu.Unlock()
		return
	}
	s.reaped = w
	s.setExitLocked(w)
	s.mu.Unlock()

	metrics.IncExit()
	metrics.SetRunning(false)
	s.logger.Warn("agent worker exited", "pid", w.PID(), "error", w.ExitErr())
	s.record(history.EventExit, w.PID(), errString(w.ExitErr()))
}

func (s *Supervisor) setExitLocked(w *process.Worker) {
	stopped := w.StoppedAt()
	if s.worker == w {
		s.state.Running = false
	}
	s.state.LastExit = &stopped
	s.state.ExitError = errString(w.ExitErr())
}

// PollAlive reports whether the current worker is running. It never blocks.
func (s *Supervisor) PollAlive() bool {
	s.mu.RLock()
	w := s.worker
	s.mu.RUnlock()
	return w != nil && w.Alive()
}

// Status returns a snapshot of the supervisor state. Running is false as
// soon as the worker has died, even before the monitor has reacted.
func (s *Supervisor) Status() State {
	s.mu.RLock()
	st := s.state
	w := s.worker
	s.mu.RUnlock()
	if st.Running && (w == nil || !w.Alive()) {
		st.Running = false
	}
	if st.LastStarted != nil {
		t := *st.LastStarted
		st.LastStarted = &t
	}
	if st.LastExit != nil {
		t := *st.LastExit
		st.LastExit = &t
	}
	return st
}

// Usage samples CPU and memory of the running worker.
func (s *Supervisor) Usage() (metrics.Usage, error) {
	s.mu.RLock()
	w := s.worker
	s.mu.RUnlock()
	if w == nil || !w.Alive() {
		return metrics.Usage{}, errors.New("no agent worker running")
	}
	return metrics.Sample(w.PID())
}

// Run is the monitor loop. It checks the worker every poll interval and
// restarts it after it dies. A failed iteration is logged and followed by the
// error backoff. Run returns when ctx is done or Shutdown is called.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("agent monitor started", "interval", s.pollInterval)
	defer s.logger.Info("agent monitor stopped")
	for {
		wait := s.pollInterval
		if err := s.checkOnce(); err != nil {
			metrics.IncMonitorFailure()
			s.logger.Error("agent monitor iteration failed", "error", err, "backoff", s.errorBackoff)
			wait = s.errorBackoff
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) checkOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.mu.RLock()
	w, lastErr, closed := s.worker, s.state.LastError, s.closed
	s.mu.RUnlock()
	if closed {
		return nil
	}

	var reason string
	switch {
	case w == nil && lastErr != "":
		s.logger.Info("retrying agent worker after spawn failure")
		reason = reasonSpawnRetry
	case w == nil:
		return nil
	case w.Alive():
		return nil
	default:
		s.markExited(w)
		s.logger.Info("restarting agent worker")
		reason = reasonExited
	}

	_, err = s.restartIfCurrent(w, reason)
	if errors.Is(err, ErrSpawn) || errors.Is(err, ErrClosed) {
		// recorded in state; the next tick retries
		return nil
	}
	return err
}

// Shutdown stops the monitor loop and terminates the worker. If ctx expires
// before the worker is reaped, Shutdown returns ctx.Err() and the kill
// continues in the background.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.restartMu.Lock()
		defer s.restartMu.Unlock()
		s.mu.Lock()
		s.closed = true
		w := s.worker
		s.mu.Unlock()
		if w != nil {
			s.retire(w)
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) record(t history.EventType, pid int, errMsg string) {
	if len(s.history) == 0 {
		return
	}
	ev := history.Event{Type: t, OccurredAt: time.Now().UTC(), Worker: s.spec.Name, PID: pid, Error: errMsg}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	for _, h := range s.history {
		if err := h.Send(ctx, ev); err != nil {
			s.logger.Warn("history send failed", "event", t, "error", err)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

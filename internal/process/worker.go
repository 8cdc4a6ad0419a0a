package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Worker is one spawned instance of the worker command.
//
// The output pipes are plain *os.File pairs handed to exec.Cmd, so cmd.Wait
// never closes the read ends under a relay that is still draining them.
// A single waiter goroutine owns cmd.Wait; everyone else observes done.
type Worker struct {
	spec      Spec
	pid       int
	startedAt time.Time
	stdout    *os.File
	stderr    *os.File
	done      chan struct{}

	mu        sync.Mutex
	exitErr   error
	stoppedAt time.Time
}

// Spawn starts spec's command with env (nil inherits the parent environment)
// and returns a handle whose Stdout/Stderr must be drained by the caller.
func Spawn(spec Spec, env []string) (*Worker, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := spec.CheckExecutable(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, err
	}
	// The child holds its own copies of the write ends; EOF on the read ends
	// then means every writer has exited.
	closeAll(outW, errW)

	w := &Worker{
		spec:      spec,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stdout:    outR,
		stderr:    errR,
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		w.mu.Lock()
		w.exitErr = err
		w.stoppedAt = time.Now()
		w.mu.Unlock()
		close(w.done)
	}()
	return w, nil
}

func (w *Worker) PID() int             { return w.pid }
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Stdout returns the read end of the worker's standard output.
func (w *Worker) Stdout() io.ReadCloser { return w.stdout }

// Stderr returns the read end of the worker's standard error.
func (w *Worker) Stderr() io.ReadCloser { return w.stderr }

// Alive is a non-blocking liveness check.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the cmd.Wait result; nil while running or on a clean exit.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// StoppedAt is zero while the process is running.
func (w *Worker) StoppedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stoppedAt
}

// Terminate stops the process group in two phases: SIGTERM, then SIGKILL once
// grace has elapsed. It always waits for the reap, so no zombie is left behind.
// The returned bool reports whether the kill escalation was needed.
func (w *Worker) Terminate(grace time.Duration) (bool, error) {
	if !w.Alive() {
		return false, nil
	}
	if grace <= 0 {
		grace = w.spec.Grace()
	}
	if err := terminateGroup(w.pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// SIGTERM could not be delivered; go straight to the kill.
		grace = 0
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-w.done:
		return false, nil
	case <-t.C:
	}
	if err := killGroup(w.pid); err != nil && w.Alive() {
		<-w.done
		return true, fmt.Errorf("kill worker %d: %w", w.pid, err)
	}
	<-w.done
	return true, nil
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		if f != nil {
			_ = f.Close()
		}
	}
}

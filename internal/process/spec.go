package process

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultGracePeriod bounds the wait between SIGTERM and SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// Spec describes the worker command the supervisor keeps alive.
// It is fixed for the lifetime of a supervisor.
type Spec struct {
	Name        string        `json:"name" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`   // worker invocation, e.g. "python agent.py dev"
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"` // optional working dir
	GracePeriod time.Duration `json:"grace_period" mapstructure:"grace_period"`
}

// Validate reports whether the spec can be launched at all.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("worker command is required")
	}
	if s.GracePeriod < 0 {
		return errors.New("grace period cannot be negative")
	}
	return nil
}

// Grace returns the configured grace period or the default.
func (s *Spec) Grace() time.Duration {
	if s.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return s.GracePeriod
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		// #nosec G204
		return exec.Command("")
	}
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// shellWords are builtins and keywords that may lead a shell script; they
// have no executable to look up.
var shellWords = map[string]bool{
	"!": true, ".": true, ":": true, "[": true, "{": true, "(": true,
	"case": true, "cd": true, "echo": true, "eval": true, "exec": true,
	"exit": true, "export": true, "false": true, "for": true, "if": true,
	"printf": true, "read": true, "set": true, "source": true, "test": true,
	"trap": true, "true": true, "ulimit": true, "umask": true, "unset": true,
	"until": true, "wait": true, "while": true,
}

// CheckExecutable looks up the program a shell-wrapped command starts with.
// A shell reports a missing program only as exit status 127 after a
// successful spawn, so the lookup turns it into a spawn error instead.
// Plain argv commands are left to exec, which already fails at start.
func (s *Spec) CheckExecutable() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	cmdStr := strings.TrimSpace(s.Command)
	script, ok := "", false
	if _, afterC, explicit := parseExplicitShell(cmdStr); explicit {
		script, ok = afterC, true
	} else if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		script, ok = cmdStr, true
	}
	if !ok {
		return nil
	}
	fields := strings.Fields(script)
	if len(fields) == 0 {
		return nil
	}
	prog := strings.TrimRight(fields[0], ";&|")
	if prog == "" || shellWords[prog] || strings.ContainsAny(prog, "=$`\"'(){}*?~<>") {
		return nil
	}
	if strings.Contains(prog, "/") && !filepath.IsAbs(prog) && s.WorkDir != "" {
		prog = filepath.Join(s.WorkDir, prog)
	}
	if _, err := exec.LookPath(prog); err != nil {
		return fmt.Errorf("worker executable %q: %w", fields[0], err)
	}
	return nil
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// The substring after "-c " is kept verbatim, minus one pair of wrapping quotes.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}

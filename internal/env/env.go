package env

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env composes the environment handed to the worker: the supervisor's own
// environment, then .env values for keys the environment does not already
// set, then explicit overrides.
type Env struct {
	Var   Var // explicit overrides (K->V), applied last
	files Var // merged .env file contents
	env   Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var), files: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.env = base
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries as overrides; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
}

// LoadFiles reads .env files in order with godotenv; later files win.
// Files that do not exist are returned in missing rather than as an error,
// since the worker can still start and report its own configuration problem.
func (e *Env) LoadFiles(paths ...string) (missing []string, err error) {
	if e.files == nil {
		e.files = make(Var)
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		m, err := godotenv.Read(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				missing = append(missing, p)
				continue
			}
			return missing, err
		}
		for k, v := range m {
			e.files[k] = v
		}
	}
	return missing, nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then .env files, then overrides, then perProc.
// A .env value never replaces a variable already set in the OS env.
// Returns the environment slice in "K=V" form sorted by key, with ${VAR}
// expansion performed using the composed map (simple expansion, no recursion).
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.files)+len(e.Var))
	for k, v := range e.env {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range e.files {
		if _, set := e.env[k]; k != "" && !set {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perProc {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

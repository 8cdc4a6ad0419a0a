// Package voiceagent runs a voice-agent worker as a supervised child process
// and exposes its health, status, restart and logs over HTTP.
package voiceagent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	cfg "github.com/aioikid/voice-agent/internal/config"
	"github.com/aioikid/voice-agent/internal/env"
	"github.com/aioikid/voice-agent/internal/history"
	"github.com/aioikid/voice-agent/internal/history/factory"
	"github.com/aioikid/voice-agent/internal/metrics"
	"github.com/aioikid/voice-agent/internal/relay"
	iapi "github.com/aioikid/voice-agent/internal/server"
	"github.com/aioikid/voice-agent/internal/supervisor"
	itls "github.com/aioikid/voice-agent/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type State = supervisor.State

type Usage = metrics.Usage

type Line = relay.Line

type HistoryEvent = history.Event

var (
	ErrSpawn  = supervisor.ErrSpawn
	ErrClosed = supervisor.ErrClosed
)

const broadcastBuffer = 256

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

func DefaultConfig() *Config { return cfg.Default() }

// Agent wires the supervisor to its output sinks, metrics and history store.
type Agent struct {
	conf        *Config
	logger      *slog.Logger
	sup         *supervisor.Supervisor
	tail        *relay.Tail
	broadcaster *relay.Broadcaster
	reader      history.Reader
	closers     []io.Closer
}

// New prepares an Agent from c without starting the worker. The worker
// environment is the parent's, overlaid with c.EnvFiles then c.Env.
// Missing env files are logged and skipped.
func New(c *Config, logger *slog.Logger) (*Agent, error) {
	if c == nil {
		c = cfg.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &Agent{
		conf:        c,
		logger:      logger,
		tail:        relay.NewTail(c.Log.TailLines),
		broadcaster: relay.NewBroadcaster(broadcastBuffer),
	}

	e := env.New()
	e.FromOS()
	missing, err := e.LoadFiles(c.EnvFiles...)
	if err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	for _, p := range missing {
		logger.Warn("env file not found, continuing without it", "path", p)
	}
	e.SetPairs(c.Env)

	sink := relay.Multi{
		relay.LogSink{Logger: logger, Worker: c.Worker.Name},
		a.tail,
		a.broadcaster,
	}
	outW, errW, err := c.Log.Writers(c.Worker.Name)
	if err != nil {
		return nil, fmt.Errorf("worker log files: %w", err)
	}
	if outW != nil {
		ws := relay.NewWriterSink(outW, errW)
		sink = append(sink, ws)
		a.closers = append(a.closers, ws)
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("failed to register metrics", "error", err)
		}
	}

	var sinks []history.Sink
	if c.History.Enabled {
		hs, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, hs)
		if r, ok := hs.(history.Reader); ok {
			a.reader = r
		}
		if cl, ok := hs.(io.Closer); ok {
			a.closers = append(a.closers, cl)
		}
	}

	sup, err := supervisor.New(supervisor.Options{
		Spec:         c.Worker,
		PollInterval: c.Monitor.Interval,
		ErrorBackoff: c.Monitor.ErrorBackoff,
		Env:          e.Merge(nil),
		Sink:         sink,
		Logger:       logger,
		History:      sinks,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.sup = sup
	return a, nil
}

func (a *Agent) Start() error                    { return a.sup.Start() }
func (a *Agent) Restart() error                  { return a.sup.Restart() }
func (a *Agent) Status() State                   { return a.sup.Status() }
func (a *Agent) PollAlive() bool                 { return a.sup.PollAlive() }
func (a *Agent) Usage() (Usage, error)           { return a.sup.Usage() }
func (a *Agent) Run(ctx context.Context)         { a.sup.Run(ctx) }
func (a *Agent) Tail() *relay.Tail               { return a.tail }
func (a *Agent) Broadcaster() *relay.Broadcaster { return a.broadcaster }

// History returns recent lifecycle events, newest first. It returns nil
// without error when no readable history store is configured.
func (a *Agent) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	if a.reader == nil {
		return nil, nil
	}
	return a.reader.Recent(ctx, limit)
}

// Handler returns the HTTP API for this agent.
func (a *Agent) Handler() http.Handler {
	return iapi.NewRouter(a.routerOptions()).Handler()
}

// HandlerAt returns the HTTP API with every route under base (e.g. "/voice"),
// for mounting inside another router.
func (a *Agent) HandlerAt(base string) http.Handler {
	o := a.routerOptions()
	o.BasePath = base
	return iapi.NewRouter(o).Handler()
}

// NewHTTPServer builds the API server on the configured listen address.
func (a *Agent) NewHTTPServer() *http.Server {
	return iapi.NewServer(a.conf.Server.Listen, a.routerOptions())
}

func (a *Agent) routerOptions() iapi.Options {
	return iapi.Options{
		Agent:       a.sup,
		Tail:        a.tail,
		Broadcaster: a.broadcaster,
		History:     a.reader,
		PublicDir:   a.conf.Server.PublicDir,
		Metrics:     a.conf.Metrics.Enabled,
		Logger:      a.logger,
	}
}

// Shutdown stops the monitor, terminates the worker and closes log files and
// the history store.
func (a *Agent) Shutdown(ctx context.Context) error {
	err := a.sup.Shutdown(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

func (a *Agent) close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Serve starts the worker, the monitor loop and the HTTP API on ln, and
// blocks until ctx is done. With server.tls enabled ln is wrapped in TLS.
// A worker that fails to start is not fatal: the error is in Status and the
// monitor retries. On return the server and the worker have been shut down
// within shutdownTimeout.
func (a *Agent) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	tlsConf, err := itls.Setup(a.conf.Server.TLS)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("tls: %w", err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	if err := a.Start(); err != nil {
		a.logger.Error("initial worker start failed; monitor will retry", "error", err)
	}
	monCtx, stopMon := context.WithCancel(ctx)
	defer stopMon()
	go a.Run(monCtx)

	srv := a.NewHTTPServer()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.Info("voice agent server listening", "addr", ln.Addr().String(), "tls", tlsConf != nil)

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", "error", err)
		_ = srv.Close()
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("agent shutdown", "error", err)
	}
	return serveErr
}

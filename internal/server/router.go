package server

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aioikid/voice-agent/internal/history"
	"github.com/aioikid/voice-agent/internal/metrics"
	"github.com/aioikid/voice-agent/internal/relay"
	"github.com/aioikid/voice-agent/internal/supervisor"
	"github.com/gin-gonic/gin"
)

// Agent is the part of the supervisor the HTTP API needs.
type Agent interface {
	Status() supervisor.State
	Restart() error
	Usage() (metrics.Usage, error)
}

type Options struct {
	Agent Agent
	// Tail backs GET /agent/logs. Required.
	Tail *relay.Tail
	// Broadcaster backs the websocket log stream; the route is absent when nil.
	Broadcaster *relay.Broadcaster
	// History backs GET /agent/history; the route is absent when nil.
	History history.Reader
	// PublicDir holds the frontend. Static routes are skipped if it does not exist.
	PublicDir string
	// BasePath prefixes the API routes, e.g. "/api". Static routes stay at the root.
	BasePath string
	Metrics  bool
	Logger   *slog.Logger
}

// Router serves the supervisor's HTTP API.
// Endpoints (relative to BasePath):
//
//	GET  /health             liveness of the server and the worker
//	GET  /agent/status       supervisor state plus resource usage
//	POST /agent/restart      terminate and respawn the worker
//	GET  /agent/logs         recent worker output
//	GET  /agent/logs/stream  websocket feed of worker output
//	GET  /agent/history      recent lifecycle events
//	GET  /metrics            prometheus exposition
type Router struct {
	opts     Options
	basePath string
	logger   *slog.Logger
}

func NewRouter(opts Options) *Router {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if opts.Tail == nil {
		opts.Tail = relay.NewTail(relay.DefaultTailSize)
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), logger: lg}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), cors())
	api := g.Group(r.basePath)
	api.GET("/health", r.handleHealth)
	api.GET("/agent/status", r.handleStatus)
	api.POST("/agent/restart", r.handleRestart)
	api.GET("/agent/logs", r.handleLogs)
	if r.opts.Broadcaster != nil {
		api.GET("/agent/logs/stream", r.handleLogStream)
	}
	if r.opts.History != nil {
		api.GET("/agent/history", r.handleHistory)
	}
	if r.opts.Metrics {
		api.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	r.mountFrontend(g)
	return g
}

// NewServer builds an http.Server for addr. The caller runs ListenAndServe
// and owns Shutdown.
func NewServer(addr string, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: the log stream is long-lived
	}
}

// --- Handlers ---

type healthResp struct {
	Status       string  `json:"status"`
	AgentRunning bool    `json:"agent_running"`
	Timestamp    float64 `json:"timestamp"`
}

type statusResp struct {
	Running     bool     `json:"running"`
	LastStarted *float64 `json:"last_started"`
	Error       *string  `json:"error"`
	PID         *int     `json:"pid"`
	Restarts    int      `json:"restarts"`
	LastExit    *float64 `json:"last_exit,omitempty"`
	ExitError   string   `json:"exit_error,omitempty"`
	CPUPercent  *float64 `json:"cpu_percent,omitempty"`
	MemoryMB    *float64 `json:"memory_mb,omitempty"`
}

type restartResp struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type detailResp struct {
	Detail string `json:"detail"`
}

type logsResp struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	PID    int    `json:"pid"`
}

type noLogsResp struct {
	Logs string `json:"logs"`
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.opts.Agent.Status()
	writeJSON(c, http.StatusOK, healthResp{
		Status:       "healthy",
		AgentRunning: st.Running,
		Timestamp:    unixSeconds(time.Now()),
	})
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.opts.Agent.Status()
	resp := statusResp{Running: st.Running, Restarts: st.Restarts, ExitError: st.ExitError}
	if st.LastStarted != nil {
		v := unixSeconds(*st.LastStarted)
		resp.LastStarted = &v
	}
	if st.LastExit != nil {
		v := unixSeconds(*st.LastExit)
		resp.LastExit = &v
	}
	if st.LastError != "" {
		e := st.LastError
		resp.Error = &e
	}
	if st.PID > 0 {
		pid := st.PID
		resp.PID = &pid
	}
	if st.Running {
		if u, err := r.opts.Agent.Usage(); err == nil {
			resp.CPUPercent = &u.CPUPercent
			resp.MemoryMB = &u.MemoryMB
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.opts.Agent.Restart(); err != nil {
		r.logger.Error("restart via api failed", "error", err)
		writeJSON(c, http.StatusInternalServerError, detailResp{Detail: "Failed to restart agent: " + err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, restartResp{Message: "Agent restart initiated", Status: "success"})
}

func (r *Router) handleLogs(c *gin.Context) {
	st := r.opts.Agent.Status()
	if st.PID <= 0 {
		writeJSON(c, http.StatusOK, noLogsResp{Logs: "No agent process running"})
		return
	}
	writeJSON(c, http.StatusOK, logsResp{
		Stdout: r.opts.Tail.Text(relay.Stdout, st.PID),
		Stderr: r.opts.Tail.Text(relay.Stderr, st.PID),
		PID:    st.PID,
	})
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (r *Router) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, detailResp{Detail: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	events, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		r.logger.Error("read history", "error", err)
		writeJSON(c, http.StatusInternalServerError, detailResp{Detail: "Failed to read history: " + err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}

// mountFrontend serves the public dir: "/" and unknown paths fall back to
// index.html so client-side routes resolve.
func (r *Router) mountFrontend(g *gin.Engine) {
	dir := r.opts.PublicDir
	if dir == "" {
		return
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		r.logger.Debug("frontend dir not found, static routes disabled", "dir", dir)
		return
	}
	index := filepath.Join(dir, "index.html")
	g.Static("/static", dir)
	g.GET("/", func(c *gin.Context) { c.File(index) })
	g.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			writeJSON(c, http.StatusNotFound, detailResp{Detail: "Not Found"})
			return
		}
		if p, ok := resolveUnder(dir, c.Request.URL.Path); ok {
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				c.File(p)
				return
			}
		}
		c.File(index)
	})
}

// cors allows every origin, method and header.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		origin := c.GetHeader("Origin")
		if origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			if req := c.GetHeader("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			} else {
				h.Set("Access-Control-Allow-Headers", "*")
			}
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of worker restarts by trigger (monitor or request).",
		}, []string{"reason"},
	)
	workerExits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of unexpected worker exits observed by the monitor.",
		},
	)
	spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of failed attempts to launch the worker command.",
		},
	)
	forcedKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "forced_kills_total",
			Help:      "Number of terminations that escalated to SIGKILL after the grace period.",
		},
	)
	monitorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voice_agent",
			Subsystem: "monitor",
			Name:      "iteration_failures_total",
			Help:      "Number of monitor iterations that failed and entered backoff.",
		},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "log_lines_total",
			Help:      "Number of worker output lines relayed, by stream.",
		}, []string{"stream"},
	)
	relayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "relay_errors_total",
			Help:      "Number of relays stopped by a read error, by stream.",
		}, []string{"stream"},
	)
	workerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 while the worker process is alive.",
		},
	)
	workerCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU percent of the worker process.",
		},
	)
	workerRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "voice_agent",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident memory of the worker process.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, workerExits, spawnFailures, forcedKills,
		monitorFailures, logLines, relayErrors, workerRunning, workerCPU, workerRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncRestart(reason string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(reason).Inc()
	}
}

func IncExit() {
	if regOK.Load() {
		workerExits.Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		spawnFailures.Inc()
	}
}

func IncForcedKill() {
	if regOK.Load() {
		forcedKills.Inc()
	}
}

func IncMonitorFailure() {
	if regOK.Load() {
		monitorFailures.Inc()
	}
}

func IncLogLine(stream string) {
	if regOK.Load() {
		logLines.WithLabelValues(stream).Inc()
	}
}

func IncRelayError(stream string) {
	if regOK.Load() {
		relayErrors.WithLabelValues(stream).Inc()
	}
}

func SetRunning(running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		workerRunning.Set(v)
	}
}

func observeUsage(u Usage) {
	if regOK.Load() {
		workerCPU.Set(u.CPUPercent)
		workerRSS.Set(float64(u.MemoryRSS))
	}
}

package client

import "time"

// Health is the body of GET /health.
type Health struct {
	Status       string  `json:"status"`
	AgentRunning bool    `json:"agent_running"`
	Timestamp    float64 `json:"timestamp"`
}

// Status is the body of GET /agent/status. Nil pointers mean the server
// reported null or omitted the field.
type Status struct {
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

// LastStartedTime converts LastStarted to a time.Time; zero if unset.
func (s Status) LastStartedTime() time.Time {
	if s.LastStarted == nil {
		return time.Time{}
	}
	return fromSeconds(*s.LastStarted)
}

// RestartResult is the body of a successful POST /agent/restart.
type RestartResult struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Logs is the body of GET /agent/logs. When no worker has run, Running is
// false and Message carries the server's explanation.
type Logs struct {
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	PID     int    `json:"pid"`
	Message string `json:"logs,omitempty"`
}

// Running reports whether the logs belong to a worker.
func (l Logs) Running() bool { return l.PID > 0 }

// Event is one entry of GET /agent/history.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Worker     string    `json:"worker"`
	PID        int       `json:"pid"`
	Error      string    `json:"error,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func fromSeconds(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

package history

import (
	"context"
	"time"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventStart        EventType = "start"         // worker spawned
	EventExit         EventType = "exit"          // worker died on its own
	EventStop         EventType = "stop"          // worker terminated by the supervisor
	EventSpawnFailure EventType = "spawn_failure" // worker command could not be launched
)

// Event is one worker lifecycle transition exported to an audit store.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Worker     string    `json:"worker"`
	PID        int       `json:"pid"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return what they stored.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

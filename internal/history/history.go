// Package history records service lifecycle events into external sinks so a
// team can see which fakes were started, stopped or crashed over time.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventDied      EventType = "died"
	EventUnhealthy EventType = "unhealthy"
)

// Event represents a lifecycle event of one service process.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	// Recent returns up to n events, newest first.
	Recent(ctx context.Context, n int) ([]Event, error)
}

// DefaultLimit is used when a reader is asked for a non-positive count.
const DefaultLimit = 20

// Limit normalizes a requested event count.
func Limit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}

package genqueue

import (
	"fmt"
	"time"
)

// Config controls the generation queue.
type Config struct {
	// Debug makes invariant violations fatal and reloads renderer templates
	// before every dispatch.
	Debug bool
	// Verbose logs every submission and, throttled, the pending state after admission.
	Verbose bool

	// InboxSize bounds submissions waiting for the queue loop (default 256).
	InboxSize int
	// HistorySize bounds the recent-runs ring exposed in snapshots (default 200).
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Event types published on the event bus.
const (
	EventAdmitted   = "gen.admitted"
	EventRejected   = "gen.rejected"
	EventDispatched = "gen.dispatched"
	EventCompleted  = "gen.completed"
	EventFailed     = "gen.failed"
	EventInvariant  = "gen.invariant"
)

// Event is the payload of every gen.* bus event.
type Event struct {
	ID         uint64        `json:"id,omitempty"`
	Request    Request       `json:"request"`
	Decision   string        `json:"decision,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// HistoryItem records one finished dispatch.
type HistoryItem struct {
	ID         uint64        `json:"id"`
	Request    Request       `json:"request"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the queue for diagnostics.
type Snapshot struct {
	Running bool `json:"running"`

	InFlight      *Request  `json:"in_flight,omitempty"`
	InFlightSince time.Time `json:"in_flight_since,omitempty"`
	Backlog       []Request `json:"backlog"`

	Tracker TrackerSnapshot `json:"tracker"`

	Admitted   uint64 `json:"admitted"`
	Rejected   uint64 `json:"rejected"`
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`

	History []HistoryItem `json:"history,omitempty"`
}

// Idle reports whether nothing is running or waiting.
func (s Snapshot) Idle() bool { return s.InFlight == nil && len(s.Backlog) == 0 }

// MarshalText renders kinds by name in JSON and logs.
func (k Kind) MarshalText() ([]byte, error) {
	if k == KindInvalid {
		return nil, fmt.Errorf("%w: cannot encode invalid kind", ErrInvalidRequest)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for c := KindGlobal; c <= KindThread; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return invalidf("kind", "unknown kind %q", string(b))
}

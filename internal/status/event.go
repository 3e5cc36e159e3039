// Package status broadcasts live feed connection lifecycle events to
// independent observers.
package status

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

// Kind is the event key observers subscribe to.
type Kind string

// Connection lifecycle event kinds.
const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindMessage    Kind = "message"
	KindHeartbeat  Kind = "heartbeat"
	KindError      Kind = "error"
	KindReconnect  Kind = "reconnect"
)

// Kinds lists every event kind.
func Kinds() []Kind {
	return []Kind{KindConnect, KindDisconnect, KindMessage, KindHeartbeat, KindError, KindReconnect}
}

// Event captures a single connection lifecycle change. Events are keyed by
// kind only; consumers correlate by JobID when they need to.
type Event struct {
	// Kind selects which subscribers receive the event.
	Kind Kind
	// JobID identifies the tracked job.
	JobID int64
	// SessionID correlates events of one tracking session.
	SessionID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Attempts is the reconnect attempt number for reconnect events and the
	// attempts spent for a final error.
	Attempts int
	// MaxAttempts is the reconnect ceiling in force.
	MaxAttempts int
	// Message carries the diagnostic for errors and the progress text for messages.
	Message string
	// Stage and Percent mirror the progress frame for message events.
	Stage   job.Stage
	Percent float64
	// Final marks an error after which no reconnect will be attempted.
	Final bool
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindConnect, KindDisconnect, KindMessage, KindHeartbeat:
	case KindError:
		if e.Message == "" {
			return errors.New("error event requires message")
		}
	case KindReconnect:
		if e.Attempts <= 0 {
			return errors.New("reconnect event requires attempts")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// Emitter accepts events. Producers depend on it instead of the Hub.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(evt).
func (f EmitterFunc) Emit(evt Event) {
	f(evt)
}

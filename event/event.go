// Package event implements the observer channel between the core pipeline
// and external consumers (the desktop UI, the websocket gateway). Producers
// never block: the bus buffers events in a bounded ring and drops the oldest
// on overflow.
package event

import (
	"fmt"
	"time"
)

// Type identifies the kind of observer event
type Type string

const (
	// TypeListenerState signals a listener going online/offline or a
	// change in its connection count
	TypeListenerState Type = "listener_state"
	// TypeMessageIngested signals a fully persisted message
	TypeMessageIngested Type = "message_ingested"
	// TypeSyncAttempt reports the outcome of an outbound sync attempt
	TypeSyncAttempt Type = "sync_attempt"
	// TypeWarning reports a recoverable anomaly
	TypeWarning Type = "warning"
	// TypeError reports a failure that terminated a session or batch
	TypeError Type = "error"
)

// ListenerState values published with TypeListenerState
const (
	ListenerOnline  = "online"
	ListenerOffline = "offline"
)

// Event is a single observer record. Only the fields relevant to its Type
// are populated.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	// Listener state
	Port        int    `json:"port,omitempty"`
	State       string `json:"state,omitempty"`
	ClientCount int    `json:"client_count,omitempty"`

	// Message ingestion
	Summary string `json:"summary,omitempty"`

	// Sync attempts
	Attempts int    `json:"attempts,omitempty"`
	Outcome  string `json:"outcome,omitempty"`

	// Warnings and errors
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ListenerStateChanged builds a listener state event
func ListenerStateChanged(port int, state string, clientCount int) Event {
	return Event{
		Type:        TypeListenerState,
		Time:        time.Now(),
		Port:        port,
		State:       state,
		ClientCount: clientCount,
	}
}

// MessageIngested builds an ingestion event
func MessageIngested(port int, summary string) Event {
	return Event{
		Type:    TypeMessageIngested,
		Time:    time.Now(),
		Port:    port,
		Summary: summary,
	}
}

// SyncAttempt builds a sync outcome event
func SyncAttempt(outcome string, attempts int, detail string) Event {
	return Event{
		Type:     TypeSyncAttempt,
		Time:     time.Now(),
		Outcome:  outcome,
		Attempts: attempts,
		Detail:   detail,
	}
}

// Warning builds a warning event
func Warning(kind, detail string) Event {
	return Event{
		Type:   TypeWarning,
		Time:   time.Now(),
		Kind:   kind,
		Detail: detail,
	}
}

// Warningf builds a warning event with a formatted detail string
func Warningf(kind, format string, args ...any) Event {
	return Warning(kind, fmt.Sprintf(format, args...))
}

// Error builds an error event
func Error(kind, detail string) Event {
	return Event{
		Type:   TypeError,
		Time:   time.Now(),
		Kind:   kind,
		Detail: detail,
	}
}

// Errorf builds an error event with a formatted detail string
func Errorf(kind, format string, args ...any) Event {
	return Error(kind, fmt.Sprintf(format, args...))
}

package log

import (
	"time"
)

// Event represents an SDK log event captured at any layer.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time

	// Level classifies event severity.
	Level Level

	// Component that emitted the event.
	Component Component

	// Message is a short human-readable description.
	Message string

	// DeviceID is the affected device, if any.
	DeviceID string

	// RequestID is the write request id, if the event concerns a write.
	RequestID uint32

	// AttributeID is the affected attribute, if any.
	AttributeID uint16

	// Seq is the relay envelope sequence number, if relevant.
	Seq uint64

	// State transition details, if the event is a state change.
	StateChange *StateChangeEvent

	// Err carries the error text, if any.
	Err string
}

// StateChangeEvent describes a connection state transition.
type StateChangeEvent struct {
	// OldState is the state before the transition.
	OldState string

	// NewState is the state after the transition.
	NewState string

	// Reason is an optional cause ("disconnect", "seq gap", ...).
	Reason string
}

// Level classifies event severity.
type Level uint8

const (
	// LevelDebug is for high-volume diagnostics (per-delta events).
	LevelDebug Level = iota

	// LevelInfo is for lifecycle events (state changes, sync complete).
	LevelInfo

	// LevelWarn is for recoverable anomalies (stale delta, retry).
	LevelWarn

	// LevelError is for failures surfaced to the caller.
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Component identifies the SDK layer that emitted an event.
type Component uint8

const (
	// ComponentRegistry is the device registry.
	ComponentRegistry Component = iota

	// ComponentCorrelator is the write correlator.
	ComponentCorrelator

	// ComponentEngine is the synchronization engine.
	ComponentEngine

	// ComponentTransport is a boundary transport implementation.
	ComponentTransport
)

// String returns the component name.
func (c Component) String() string {
	switch c {
	case ComponentRegistry:
		return "REGISTRY"
	case ComponentCorrelator:
		return "CORRELATOR"
	case ComponentEngine:
		return "ENGINE"
	case ComponentTransport:
		return "TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

// NewEvent creates an event with the timestamp set to now.
func NewEvent(level Level, component Component, message string) Event {
	return Event{
		Timestamp: time.Now(),
		Level:     level,
		Component: component,
		Message:   message,
	}
}

// NewStateChangeEvent creates an info-level state transition event.
func NewStateChangeEvent(component Component, oldState, newState, reason string) Event {
	e := NewEvent(LevelInfo, component, "state change")
	e.StateChange = &StateChangeEvent{
		OldState: oldState,
		NewState: newState,
		Reason:   reason,
	}
	return e
}

// NewErrorEvent creates an error-level event carrying err's text.
func NewErrorEvent(component Component, message string, err error) Event {
	e := NewEvent(LevelError, component, message)
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

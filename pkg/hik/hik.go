// Package hik provides a public facade re-exporting core types
// for external consumers of this module.
package hik

import (
	"github.com/trymwestin/hikd/internal/core/auth"
	"github.com/trymwestin/hikd/internal/core/isapi"
	"github.com/trymwestin/hikd/internal/core/state"
	"github.com/trymwestin/hikd/internal/core/stream"
)

// Re-export core types for external use.
type (
	// DigestState tracks an HTTP digest authentication session.
	DigestState = auth.DigestState
	// Event is one parsed ISAPI event notification.
	Event = isapi.Event
	// StreamDecoder extracts events from a multipart alert stream.
	StreamDecoder = isapi.StreamDecoder
	// DeviceClient talks to a Hikvision device over ISAPI.
	DeviceClient = isapi.Client
	// DeviceOptions configures a device client.
	DeviceOptions = isapi.Options
	// SignalType identifies a per-channel boolean signal.
	SignalType = state.SignalType
	// Snapshot is one channel's current state.
	Snapshot = state.Snapshot
	// Hub holds per-channel states and runs auto-off timers.
	Hub = state.Hub
	// Bus distributes state change events.
	Bus = state.Bus
	// StateEvent represents a state change event.
	StateEvent = state.Event
	// StateEventType identifies event categories.
	StateEventType = state.EventType
	// StreamClient maintains the alert stream connection.
	StreamClient = stream.Client
)

// Signal type constants.
const (
	SignalMotion  = state.SignalMotion
	SignalHuman   = state.SignalHuman
	SignalVehicle = state.SignalVehicle
)

// Event type constants.
const (
	EventChannelAdded = state.EventChannelAdded
	EventStateChanged = state.EventStateChanged
	EventConnected    = state.EventConnected
	EventDisconnected = state.EventDisconnected
)

// Off-delay bounds in seconds.
const (
	MinOffDelaySeconds = state.MinOffDelaySeconds
	MaxOffDelaySeconds = state.MaxOffDelaySeconds
)

// ErrAuthRejected is returned when the device rejects the credentials.
var ErrAuthRejected = auth.ErrAuthRejected

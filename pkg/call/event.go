package call

import (
	"io"

	"relay-call/pkg/peer"
)

type EventType int

const (
	EventState EventType = iota
	EventConnected
	// EventDisconnected is informational; ICE may still recover.
	EventDisconnected
	EventRemoteHangup
	EventTrack
	EventChannel
	EventError
	// EventWarning carries non-fatal teardown failures.
	EventWarning
	// EventClosed follows every teardown. Err is the cause, nil for a local hangup.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventState:
		return "state"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRemoteHangup:
		return "remote-hangup"
	case EventTrack:
		return "track"
	case EventChannel:
		return "channel"
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Event struct {
	Type  EventType
	State State
	Err   error

	// Track is set for EventTrack.
	Track peer.Track
	// Channel and Label are set for EventChannel.
	Channel io.ReadWriteCloser
	Label   string
}

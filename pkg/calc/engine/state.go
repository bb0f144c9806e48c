// Package engine implements the voxcalc session engine: the connection
// lifecycle state machine, the microphone capture pipeline, the transcription
// accumulator, the tool-call dispatcher, and the routing of inbound transport
// events to the playback scheduler.
//
// All engine state is owned by a single event loop (Controller.Run); device
// and transport callbacks hand their data to that loop through channels and
// never mutate shared state directly.
package engine

import "time"

// ConnectionState is the lifecycle state of the one process-wide session.
// Written only by the controller loop.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// HistoryEntry is one finished calculation.
type HistoryEntry struct {
	Expression string
	Result     string
	At         time.Time
}

// Snapshot is the read-only view consumed by the presentation surface.
type Snapshot struct {
	State      ConnectionState
	Expression string
	Result     string
	Finalized  bool
	History    []HistoryEntry
}

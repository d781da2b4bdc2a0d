package dispatch

import (
	"fmt"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventLog EventKind = iota
	EventState
	EventProgress
	EventComplete
	EventQueueReset
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventQueueReset:
		return "reset"
	case EventError:
		return "error"
	}
	return "log"
}

// Event is published by the engine for operator interfaces.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Message string

	// EventProgress: zero-based index of the command just released and the
	// flow length.
	Index, Total int

	// EventState
	Wait      WaitState
	Connected bool

	// EventQueueReset: number of discarded commands.
	Dropped int

	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case EventProgress:
		return fmt.Sprintf("flow %d/%d: %s", e.Index+1, e.Total, e.Message)
	case EventError:
		return fmt.Sprintf("ERROR: %s: %v", e.Message, e.Err)
	}
	return e.Message
}

// WaitState tracks what the engine expects from the device next.
type WaitState int

const (
	WaitIdle WaitState = iota
	WaitAck
	WaitFlowDone
)

func (w WaitState) String() string {
	switch w {
	case WaitAck:
		return "awaiting ack"
	case WaitFlowDone:
		return "awaiting flowdone"
	}
	return "idle"
}

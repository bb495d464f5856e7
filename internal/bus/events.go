package bus

import (
	"fmt"
	"time"
)

// EventType names a printer host lifecycle event.
type EventType string

const (
	PrintStarted   EventType = "PrintStarted"
	PrintDone      EventType = "PrintDone"
	PrintFailed    EventType = "PrintFailed"
	PrintCancelled EventType = "PrintCancelled"
	PrintPaused    EventType = "PrintPaused"
	PrintResumed   EventType = "PrintResumed"
	PrintProgress  EventType = "PrintProgress"
	FilamentChange EventType = "FilamentChange"
	Connected      EventType = "Connected"
	Disconnected   EventType = "Disconnected"
	Startup        EventType = "Startup"
	Shutdown       EventType = "Shutdown"
)

// NotifyEvents lists the events that carry a configurable notification
// template. PrintProgress is configured separately through its whitelist.
var NotifyEvents = []EventType{
	PrintStarted,
	PrintDone,
	PrintFailed,
	PrintCancelled,
	PrintPaused,
	PrintResumed,
	FilamentChange,
	Connected,
	Disconnected,
	Startup,
	Shutdown,
}

// Payload carries the optional event data emitted by the host.
type Payload struct {
	Name     string  // file name of the job, if any
	Time     float64 // elapsed job time in seconds
	Reason   string  // failure / cancel reason
	Progress int     // completion percentage (PrintProgress only)
}

// Event represents a single host lifecycle event.
type Event struct {
	Type    EventType
	Payload Payload
	At      time.Time
}

// NewEvent returns an Event stamped with the current time.
func NewEvent(t EventType, p Payload) Event {
	return Event{Type: t, Payload: p, At: time.Now()}
}

func (e Event) String() string {
	if e.Type == PrintProgress {
		return fmt.Sprintf("%s(%d%%)", e.Type, e.Payload.Progress)
	}
	return string(e.Type)
}

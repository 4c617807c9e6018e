package game

import "time"

// EventKind names a journal entry.
type EventKind string

const (
	EventStart        EventKind = "start"
	EventMode         EventKind = "mode"
	EventPrepLaunch   EventKind = "prep_launch"
	EventBatchLaunch  EventKind = "batch_launch"
	EventBackoff      EventKind = "backoff"
	EventLaunchFailed EventKind = "launch_failed"
	EventWaitTimeout  EventKind = "wait_timeout"
	EventOutcome      EventKind = "outcome"
	EventHalt         EventKind = "halt"
)

// Event is one entry of the cycle journal.
type Event struct {
	RunID   string    `json:"run_id"`
	BatchID string    `json:"batch_id,omitempty"`
	At      time.Time `json:"at"`
	Kind    EventKind `json:"kind"`
	Target  string    `json:"target"`
	Mode    Mode      `json:"mode"`
	Reason  Reason    `json:"reason,omitempty"`

	Plan    *ThreadPlan    `json:"plan,omitempty"`
	Prep    map[string]int `json:"prep,omitempty"`
	Server  *ServerState   `json:"server,omitempty"`
	Healthy *bool          `json:"healthy,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Recorder receives journal events. Implementations must not block the loop.
type Recorder interface {
	RecordEvent(Event) error
}

// MultiRecorder fans an event out to every non-nil recorder.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordEvent(ev Event) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordEvent(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package xstream

import "time"

// EventType enumerates lifecycle events for the Observer pattern.
type EventType string

const (
	EventConsume    EventType = "consume"
	EventSuccess    EventType = "success"
	EventRetry      EventType = "retry"
	EventFailure    EventType = "failure"
	EventDeadLetter EventType = "dead_letter"
	EventAck        EventType = "ack"
	EventRejected   EventType = "rejected"
	EventError      EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Stream    string
	Group     string
	Consumer  string
	MessageID string
	// RetryID is the id of the re-injected copy (EventRetry only).
	RetryID  string
	Attempts int64
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

func newEvent(t EventType, id Identity, messageID string) Event {
	return Event{
		Type:      t,
		Stream:    id.Stream,
		Group:     id.Group,
		Consumer:  id.Consumer,
		MessageID: messageID,
	}
}

package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventCreated EventType = iota // session added to the store
	EventEnded                    // session removed and its listeners dropped
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event carries a session snapshot to store observers.
type Event struct {
	Type  EventType
	Info  Info // snapshot (safe to retain)
	Count int  // open sessions at event time
}

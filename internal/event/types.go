package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier such as "program.loaded".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeProgramLoaded        = "program.loaded"
	TypeProgramUnchanged     = "program.unchanged"
	TypeProgramClosed        = "program.closed"
	TypeProgramFreed         = "program.freed"
	TypeProgramFailed        = "program.failed"
	TypeRequestCancelled     = "request.cancelled"
	TypeSubscriptionReleased = "subscription.released"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Program Lifecycle Events
// -----------------------------------------------------------------------------

// ProgramLoadedEvent is emitted when a program compiles and takes a slot.
type ProgramLoadedEvent struct {
	baseEvent
	ProgramID  string
	VersionTag string
	ParentID   string // empty for top-level programs
	Replaced   bool   // an older version was closed first
}

// NewProgramLoadedEvent creates a ProgramLoadedEvent.
func NewProgramLoadedEvent(programID, versionTag, parentID string, replaced bool) ProgramLoadedEvent {
	return ProgramLoadedEvent{
		baseEvent:  newBaseEvent(TypeProgramLoaded),
		ProgramID:  programID,
		VersionTag: versionTag,
		ParentID:   parentID,
		Replaced:   replaced,
	}
}

// ProgramUnchangedEvent is emitted when a load is skipped because the same
// version is already loaded.
type ProgramUnchangedEvent struct {
	baseEvent
	ProgramID  string
	VersionTag string
}

// NewProgramUnchangedEvent creates a ProgramUnchangedEvent.
func NewProgramUnchangedEvent(programID, versionTag string) ProgramUnchangedEvent {
	return ProgramUnchangedEvent{
		baseEvent:  newBaseEvent(TypeProgramUnchanged),
		ProgramID:  programID,
		VersionTag: versionTag,
	}
}

// ProgramClosedEvent is emitted when a program leaves the registry. Zombie
// is true when outstanding requests still hold the record.
type ProgramClosedEvent struct {
	baseEvent
	ProgramID string
	Zombie    bool
}

// NewProgramClosedEvent creates a ProgramClosedEvent.
func NewProgramClosedEvent(programID string, zombie bool) ProgramClosedEvent {
	return ProgramClosedEvent{
		baseEvent: newBaseEvent(TypeProgramClosed),
		ProgramID: programID,
		Zombie:    zombie,
	}
}

// ProgramFreedEvent is emitted when a program's last reference is released.
type ProgramFreedEvent struct {
	baseEvent
	ProgramID string
}

// NewProgramFreedEvent creates a ProgramFreedEvent.
func NewProgramFreedEvent(programID string) ProgramFreedEvent {
	return ProgramFreedEvent{
		baseEvent: newBaseEvent(TypeProgramFreed),
		ProgramID: programID,
	}
}

// ProgramFailedEvent is emitted when a program fails to compile or raises
// an error while running.
type ProgramFailedEvent struct {
	baseEvent
	ProgramID string
	Phase     string // "compile", "run", "input" or "callback"
	Err       error
}

// NewProgramFailedEvent creates a ProgramFailedEvent.
func NewProgramFailedEvent(programID, phase string, err error) ProgramFailedEvent {
	return ProgramFailedEvent{
		baseEvent: newBaseEvent(TypeProgramFailed),
		ProgramID: programID,
		Phase:     phase,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Scheduler Events
// -----------------------------------------------------------------------------

// RequestCancelledEvent is emitted when a worker drops a request because its
// program was closed before the request ran.
type RequestCancelledEvent struct {
	baseEvent
	ProgramID string
	Operation string
}

// NewRequestCancelledEvent creates a RequestCancelledEvent.
func NewRequestCancelledEvent(programID, operation string) RequestCancelledEvent {
	return RequestCancelledEvent{
		baseEvent: newBaseEvent(TypeRequestCancelled),
		ProgramID: programID,
		Operation: operation,
	}
}

// SubscriptionReleasedEvent is emitted when a callback subscription's
// cleanup hook runs.
type SubscriptionReleasedEvent struct {
	baseEvent
	ProgramID      string
	SubscriptionID uint64
	Forced         bool // released because the program closed
}

// NewSubscriptionReleasedEvent creates a SubscriptionReleasedEvent.
func NewSubscriptionReleasedEvent(programID string, subscriptionID uint64, forced bool) SubscriptionReleasedEvent {
	return SubscriptionReleasedEvent{
		baseEvent:      newBaseEvent(TypeSubscriptionReleased),
		ProgramID:      programID,
		SubscriptionID: subscriptionID,
		Forced:         forced,
	}
}

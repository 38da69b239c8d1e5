// Package event provides a pub-sub event bus that reports program lifecycle
// transitions to interested components.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Program Lifecycle:
//   - [ProgramLoadedEvent]: a program compiled and took a registry slot
//   - [ProgramUnchangedEvent]: a load was skipped, same version already loaded
//   - [ProgramClosedEvent]: a program left the registry (possibly as a zombie)
//   - [ProgramFreedEvent]: the last reference to a program was released
//   - [ProgramFailedEvent]: compile or runtime failure
//
// Scheduler:
//   - [RequestCancelledEvent]: a queued request found its program closed
//   - [SubscriptionReleasedEvent]: a callback subscription was cleaned up
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously on the publishing goroutine and are protected from each
// other's panics.
//
// # Basic Usage
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeProgramFailed, func(e event.Event) {
//	    failed := e.(event.ProgramFailedEvent)
//	    fmt.Println(failed.ProgramID, failed.Err)
//	})
package event

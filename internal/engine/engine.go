// Package engine defines the contract between the program manager and the
// embedded script engine that actually compiles and runs code.
//
// The manager never looks inside a script. It creates child contexts under
// the root, compiles source into them, invokes what was compiled, calls
// callables it was handed earlier, and releases contexts when programs
// close. Any engine that satisfies Engine and Context can be plugged in; the
// production implementation lives in package luaengine.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Host is what an engine needs from the lock that serializes it.
type Host interface {
	// Yield releases the lock, lets other work run and re-acquires it.
	Yield()
}

// Factory builds an Engine bound to host. The manager calls it once at
// startup with its global lock.
type Factory func(host Host) (Engine, error)

// Sink receives one chunk of text printed by, or one error reported from, a
// running context.
type Sink func(msg string)

// Call describes one invocation of a host Function from a script.
type Call struct {
	// Context is the context whose code made the call.
	Context Context
	// Args are the script arguments converted to Go values.
	Args []any
}

// Function is a host function installed into a context's scope.
// The returned value is converted back to a script value.
type Function func(call Call) (any, error)

// Object is a host value exposed to scripts as an opaque handle with methods.
type Object interface {
	Methods() map[string]Function
}

// CallableKind identifies the flavour of script value that can be called.
type CallableKind int

const (
	// KindClosure is a function defined in script code.
	KindClosure CallableKind = iota
	// KindNative is a host function exposed to scripts.
	KindNative
	// KindInstance is a table with a call metamethod.
	KindInstance
	// KindUserData is a userdata with a call metamethod.
	KindUserData
)

// String returns a human-readable name for the kind.
func (k CallableKind) String() string {
	switch k {
	case KindClosure:
		return "closure"
	case KindNative:
		return "native"
	case KindInstance:
		return "instance"
	case KindUserData:
		return "userdata"
	default:
		return "unknown"
	}
}

// Callable is a script value that may be invoked later through
// Context.Call. Holding a Callable keeps the script value alive
// independently of the context that produced it.
type Callable interface {
	Kind() CallableKind
}

// Opaque wraps a script value with no Go equivalent.
type Opaque struct {
	Type string
	Repr string
}

func (o Opaque) String() string {
	return o.Repr
}

// Engine creates execution contexts.
type Engine interface {
	// Root returns the shared top-level context every other context is
	// nested under.
	Root() Context

	// NewChild creates a context whose lookups fall back to parent's
	// top-level bindings but whose assignments land in its own scope.
	// Text printed by code in the child goes to output.
	NewChild(parent Context, name string, output Sink) (Context, error)

	// Close releases the root context and everything the engine holds.
	Close() error
}

// Context is one execution scope.
//
// Contexts are not safe for concurrent use; the manager serializes every
// call on the global lock.
type Context interface {
	// Name is the chunk name used in error messages.
	Name() string

	// Compile parses src and keeps the result as the callable to run next.
	// Failures are reported as *CompileError.
	Compile(src []byte) error

	// InvokeTop runs the most recently compiled chunk with the context's own
	// scope as its only argument. ctx cancellation aborts the run at the
	// next yield checkpoint.
	InvokeTop(ctx context.Context) (any, error)

	// Call invokes fn with args.
	Call(ctx context.Context, fn Callable, args ...any) (any, error)

	// Set binds name in this context's own scope. value may be a Function,
	// an Object, or a scalar.
	Set(name string, value any) error

	// SetOwner attaches manager bookkeeping to the context.
	SetOwner(owner any)

	// Owner returns what SetOwner attached.
	Owner() any

	// Release tears the context down. It is idempotent.
	Release()
}

// CompileError reports source that failed to compile.
type CompileError struct {
	Name    string
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %s", e.Name, e.Message)
}

// RuntimeError reports a failure raised while running script code.
type RuntimeError struct {
	Name      string
	Message   string
	Traceback string
	// Cause is set when the run was aborted by context cancellation.
	Cause error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("run %s: %s", e.Name, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// ErrReleased is returned when a released context is used.
var ErrReleased = errors.New("engine: context released")

// Package callback bridges external events back into a program's callable.
//
// A Subscription is shared by two holders: the consumer (the script that
// handed over the callable) and the producer (the Go code that fires it).
// Each side releases once. The first release runs the cleanup hook and drops
// the callable; the second unlinks the subscription from its program. A
// program that closes first force-releases whatever is left, so a producer
// firing late gets ErrSubscriptionReleased instead of touching freed state.
package callback

import (
	"context"
	"sync/atomic"

	"github.com/EternityForest/Acorns/internal/engine"
	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/event"
	"github.com/EternityForest/Acorns/internal/gil"
	"github.com/EternityForest/Acorns/internal/program"
)

// Side identifies one holder of a subscription.
type Side int

const (
	// Consumer is the script that subscribed.
	Consumer Side = iota
	// Producer is the Go code that fires.
	Producer
)

func (s Side) String() string {
	if s == Consumer {
		return "consumer"
	}
	return "producer"
}

var nextID atomic.Uint64

// Subscription is a reference-counted handle on a program callable.
type Subscription struct {
	id   uint64
	lock *gil.Lock
	reg  *program.Registry
	bus  *event.Bus

	owner   *program.Program
	fn      engine.Callable
	cleanup func()
	refs    int
	done    [2]bool
}

// Options carries the collaborators a Subscription needs.
type Options struct {
	Lock     *gil.Lock
	Registry *program.Registry
	Bus      *event.Bus
}

// New creates a subscription on owner with two references and links it
// into owner's subscription set. The caller must hold the lock. value must
// be an engine.Callable, otherwise ErrNotCallable is returned.
func New(opts Options, owner *program.Program, value any, cleanup func()) (*Subscription, error) {
	fn, ok := value.(engine.Callable)
	if !ok || fn == nil {
		return nil, apperrors.ErrNotCallable
	}
	if owner == nil || owner.Closed() {
		return nil, apperrors.ErrClosed
	}
	s := &Subscription{
		id:      nextID.Add(1),
		lock:    opts.Lock,
		reg:     opts.Registry,
		bus:     opts.Bus,
		owner:   owner,
		fn:      fn,
		cleanup: cleanup,
		refs:    2,
	}
	owner.Link(s.id, s)
	owner.Logger().Debug("subscription created", "subscription_id", s.id, "kind", fn.Kind().String())
	return s, nil
}

// ID returns the subscription id, unique within the process.
func (s *Subscription) ID() uint64 { return s.id }

// Refs returns the remaining reference count. The caller must hold the lock.
func (s *Subscription) Refs() int { return s.refs }

// Active reports whether the callable can still be fired. The caller must
// hold the lock.
func (s *Subscription) Active() bool { return s.fn != nil && s.owner != nil && !s.owner.Closed() }

// ReleaseConsumer drops the consumer's reference. It takes the lock.
func (s *Subscription) ReleaseConsumer() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ReleaseLocked(Consumer)
}

// ReleaseProducer drops the producer's reference. It takes the lock.
func (s *Subscription) ReleaseProducer() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ReleaseLocked(Producer)
}

// ReleaseLocked drops side's reference with the lock already held. A second
// release from the same side is ignored.
func (s *Subscription) ReleaseLocked(side Side) {
	if s.done[side] {
		return
	}
	s.done[side] = true
	s.drop(false)
}

// ForceRelease drops every remaining reference. Programs call it when they
// close.
func (s *Subscription) ForceRelease() {
	for _, side := range []Side{Consumer, Producer} {
		if !s.done[side] {
			s.done[side] = true
			s.drop(true)
		}
	}
}

func (s *Subscription) drop(forced bool) {
	s.refs--
	owner := s.owner
	if s.cleanup != nil || s.fn != nil {
		hook := s.cleanup
		s.cleanup = nil
		s.fn = nil
		ownerID := ""
		if owner != nil {
			ownerID = owner.ID()
			owner.Logger().Debug("subscription released", "subscription_id", s.id, "forced", forced)
		}
		s.bus.Publish(event.NewSubscriptionReleasedEvent(ownerID, s.id, forced))
		if hook != nil {
			hook()
		}
	}
	if s.refs == 0 && s.owner != nil {
		s.owner.Unlink(s.id)
		s.owner = nil
	}
}

// Fire calls the callable in its owner's context with args. It takes the
// lock, waits for the owner to be idle, and marks it busy for the call.
// Runtime failures are reported to the owner's error sink and returned.
//
// Fire must not be called from code already holding the lock, such as a
// host function running inside a script; use FireLocked there.
func (s *Subscription) Fire(ctx context.Context, args ...any) (any, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.Active() {
		return nil, apperrors.ErrSubscriptionReleased
	}
	if err := s.reg.WaitIdle(ctx, s.owner); err != nil {
		return nil, err
	}
	return s.FireLocked(ctx, args...)
}

// FireLocked is Fire with the lock already held. It never waits: a caller
// holding the lock may itself be the run that keeps the owner busy, so a
// busy owner (or one with a busy descendant) fails at once with ErrBusy.
func (s *Subscription) FireLocked(ctx context.Context, args ...any) (any, error) {
	// The owner may have closed or the consumer may have cancelled while
	// Fire waited with the lock released.
	if !s.Active() {
		return nil, apperrors.ErrSubscriptionReleased
	}
	owner := s.owner
	if owner.Busy() > 0 {
		return nil, apperrors.NewProgramError("cannot fire callback", apperrors.ErrBusy).WithProgramID(owner.ID())
	}

	fn := s.fn
	s.reg.MarkBusy(owner)
	runCtx, stop := engine.Merge(owner.RunContext(), ctx)
	res, err := owner.Context().Call(runCtx, fn, args...)
	stop()
	s.reg.MarkIdle(owner)

	if err != nil {
		ierr := apperrors.NewInvokeError(owner.ID(), err.Error(), err)
		var rerr *engine.RuntimeError
		if apperrors.As(err, &rerr) {
			ierr.WithTraceback(rerr.Traceback)
		}
		owner.ReportError(ierr)
		s.bus.Publish(event.NewProgramFailedEvent(owner.ID(), "callback", ierr))
		return nil, ierr
	}
	return res, nil
}

// Methods exposes the consumer side to scripts: handle:cancel() releases the
// consumer reference. Scripts call it while their program runs, so the lock
// is already held.
func (s *Subscription) Methods() map[string]engine.Function {
	return map[string]engine.Function{
		"cancel": func(engine.Call) (any, error) {
			s.ReleaseLocked(Consumer)
			return nil, nil
		},
		"active": func(engine.Call) (any, error) {
			return s.Active(), nil
		},
		"id": func(engine.Call) (any, error) {
			return s.id, nil
		},
	}
}

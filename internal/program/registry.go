package program

import (
	"context"
	"fmt"

	"github.com/EternityForest/Acorns/internal/engine"
	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/gil"
	"github.com/EternityForest/Acorns/internal/logging"
)

// DefaultCapacity is the number of registry slots when none is configured.
const DefaultCapacity = 16

// Registry is the fixed-capacity table of loaded programs. The root program
// lives outside the table and is the implicit parent of every top-level
// program.
type Registry struct {
	lock  *gil.Lock
	root  *Program
	slots []*Program
	base  context.Context

	output engine.Sink
	errs   engine.Sink
	log    *logging.Logger

	onFree func(*Program)
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Capacity is the number of slots (0 = DefaultCapacity).
	Capacity int
	// Base is the parent of every program's run context.
	Base context.Context
	// Output and Error are the process-wide sinks used by programs loaded
	// without their own.
	Output engine.Sink
	Error  engine.Sink
	Logger *logging.Logger
	// OnFree is called, with the lock held, when a program's last
	// reference goes away.
	OnFree func(*Program)
}

// NewRegistry creates a registry whose root program wraps rootCtx.
func NewRegistry(lock *gil.Lock, rootCtx engine.Context, opts RegistryOptions) *Registry {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Base == nil {
		opts.Base = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}

	r := &Registry{
		lock:   lock,
		slots:  make([]*Program, opts.Capacity),
		base:   opts.Base,
		output: opts.Output,
		errs:   opts.Error,
		log:    opts.Logger.WithComponent("registry"),
		onFree: opts.OnFree,
	}
	runCtx, cancel := context.WithCancel(opts.Base)
	r.root = &Program{
		ctx:    rootCtx,
		runCtx: runCtx,
		cancel: cancel,
		refs:   1,
		output: opts.Output,
		errs:   opts.Error,
		log:    r.log,
	}
	if rootCtx != nil {
		rootCtx.SetOwner(r.root)
	}
	return r
}

// Root returns the root program.
func (r *Registry) Root() *Program { return r.root }

// Capacity returns the number of slots.
func (r *Registry) Capacity() int { return len(r.slots) }

// Lookup returns the program loaded under id, the root for "", or nil.
func (r *Registry) Lookup(id string) *Program {
	if id == "" {
		return r.root
	}
	for _, p := range r.slots {
		if p != nil && p.id == id {
			return p
		}
	}
	return nil
}

// FreeSlots returns the number of empty slots.
func (r *Registry) FreeSlots() int {
	n := 0
	for _, p := range r.slots {
		if p == nil {
			n++
		}
	}
	return n
}

// Programs returns the loaded programs in slot order.
func (r *Registry) Programs() []*Program {
	out := make([]*Program, 0, len(r.slots))
	for _, p := range r.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Insert creates a program from spec in the first free slot. The slot holds
// one reference and the new program holds one on its parent.
func (r *Registry) Insert(spec Spec) (*Program, error) {
	if spec.ID == "" {
		return nil, apperrors.ErrInvalidID
	}
	if r.Lookup(spec.ID) != nil {
		return nil, fmt.Errorf("program %q already loaded", spec.ID)
	}
	slot := -1
	for i, p := range r.slots {
		if p == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, apperrors.ErrNoFreeSlot
	}

	parent := spec.Parent
	if parent == nil {
		parent = r.root
	}
	output, errs := spec.Output, spec.Error
	if output == nil {
		output = r.output
	}
	if errs == nil {
		errs = r.errs
	}

	runCtx, cancel := context.WithCancel(parent.runCtx)
	p := &Program{
		id:         spec.ID,
		versionTag: spec.VersionTag,
		parent:     parent,
		ctx:        spec.Context,
		runCtx:     runCtx,
		cancel:     cancel,
		workingDir: spec.WorkingDir,
		refs:       1,
		output:     output,
		errs:       errs,
		log:        r.log.WithProgram(spec.ID),
	}
	if spec.Context != nil {
		spec.Context.SetOwner(p)
	}

	parent.refs++
	if parent.children == nil {
		parent.children = make(map[*Program]struct{})
	}
	parent.children[p] = struct{}{}

	r.slots[slot] = p
	p.log.Debug("slot assigned", "slot", slot, "parent", parent.id)
	return p, nil
}

// MarkBusy increments the busy count of p and every ancestor.
func (r *Registry) MarkBusy(p *Program) {
	for cur := p; cur != nil; cur = cur.parent {
		cur.busy++
	}
}

// MarkIdle reverses MarkBusy and wakes waiters when any count reaches zero.
func (r *Registry) MarkIdle(p *Program) {
	wake := false
	for cur := p; cur != nil; cur = cur.parent {
		if cur.busy <= 0 {
			panic(fmt.Sprintf("program %q: busy count underflow", cur.id))
		}
		cur.busy--
		if cur.busy == 0 {
			wake = true
		}
	}
	if wake {
		r.lock.Broadcast()
	}
}

// WaitIdle blocks until p has no operation in flight in its subtree, or
// until it is closed by someone else. The lock is released while waiting.
func (r *Registry) WaitIdle(ctx context.Context, p *Program) error {
	return r.lock.WaitUntil(ctx, func() bool { return p.busy == 0 || p.ctx == nil })
}

// Ref takes an extra reference on p.
func (r *Registry) Ref(p *Program) {
	p.refs++
}

// Deref drops a reference. At zero the record is freed: it leaves its
// parent's child set and releases the reference it held on the parent.
// Returns true if p was freed.
func (r *Registry) Deref(p *Program) bool {
	if p.refs <= 0 {
		panic(fmt.Sprintf("program %q: reference count underflow", p.id))
	}
	p.refs--
	if p.refs > 0 {
		return false
	}

	// A record can only reach zero after its slot reference is gone, which
	// happens in Detach after the context was released.
	p.release()
	p.cancel()
	p.log.Debug("program freed")
	if r.onFree != nil {
		r.onFree(p)
	}
	if parent := p.parent; parent != nil {
		delete(parent.children, p)
		r.Deref(parent)
	}
	r.lock.Broadcast()
	return true
}

// Detach performs the closing half of a graceful close: p must be idle.
// It releases the context and everything p holds, empties the slot and drops
// the slot's reference. Returns true if p was freed, false if it lingers as
// a zombie.
func (r *Registry) Detach(p *Program) (freed bool) {
	if p.IsRoot() {
		return false
	}
	if p.busy != 0 {
		panic(fmt.Sprintf("program %q: detach while busy (%d)", p.id, p.busy))
	}
	p.release()

	inSlot := false
	for i, s := range r.slots {
		if s == p {
			r.slots[i] = nil
			inSlot = true
			break
		}
	}
	r.lock.Broadcast()
	if !inSlot {
		return false
	}
	return r.Deref(p)
}

// Shutdown releases the root context. Programs must already be closed.
func (r *Registry) Shutdown() {
	r.root.release()
}

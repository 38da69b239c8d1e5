// Package program holds the per-program record and the fixed-capacity
// registry that owns them.
//
// Every field of a Program and every registry slot is guarded by the global
// lock. Methods here assume the caller holds it; none of them take it.
package program

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/EternityForest/Acorns/internal/engine"
	"github.com/EternityForest/Acorns/internal/logging"
)

// Releaser is a subscription attached to a program. The program force
// releases every remaining one when it closes.
type Releaser interface {
	ForceRelease()
}

// Program is one loaded script and its bookkeeping.
type Program struct {
	id         string
	versionTag string
	parent     *Program
	children   map[*Program]struct{}

	busy int
	refs int

	ctx    engine.Context
	runCtx context.Context
	cancel context.CancelFunc

	pending    []byte
	workingDir string
	subs       map[uint64]Releaser

	output engine.Sink
	errs   engine.Sink
	log    *logging.Logger
}

// Spec describes a program to create.
type Spec struct {
	ID         string
	VersionTag string
	Parent     *Program
	Context    engine.Context
	WorkingDir string
	Output     engine.Sink
	Error      engine.Sink
}

// ID returns the program id. The root program's id is empty.
func (p *Program) ID() string { return p.id }

// VersionTag returns the fingerprint of the source the program was loaded from.
func (p *Program) VersionTag() string { return p.versionTag }

// Parent returns the enclosing program, or nil for the root.
func (p *Program) Parent() *Program { return p.parent }

// IsRoot reports whether p is the registry's root program.
func (p *Program) IsRoot() bool { return p.parent == nil }

// Busy returns the number of operations in flight on p or its descendants.
func (p *Program) Busy() int { return p.busy }

// Refs returns the reference count.
func (p *Program) Refs() int { return p.refs }

// Context returns the execution context, or nil once the program is closed.
func (p *Program) Context() engine.Context { return p.ctx }

// Closed reports whether the execution context has been released.
func (p *Program) Closed() bool { return p.ctx == nil }

// Zombie reports a closed program still held by outstanding requests.
func (p *Program) Zombie() bool { return p.ctx == nil && p.refs > 0 }

// RunContext returns the context runs of this program observe. It is
// cancelled by Cancel and when the program closes.
func (p *Program) RunContext() context.Context { return p.runCtx }

// WorkingDir returns the working directory string given at load.
func (p *Program) WorkingDir() string { return p.workingDir }

// Logger returns a logger tagged with the program id.
func (p *Program) Logger() *logging.Logger { return p.log }

// Children returns the child programs sorted by id.
func (p *Program) Children() []*Program {
	out := make([]*Program, 0, len(p.children))
	for c := range p.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Ancestors returns the chain from p's parent up to the root.
func (p *Program) Ancestors() []*Program {
	var out []*Program
	for cur := p.parent; cur != nil; cur = cur.parent {
		out = append(out, cur)
	}
	return out
}

// Cancel aborts any run of p at its next yield checkpoint. Later runs are
// cancelled immediately, so it is only used ahead of a close.
func (p *Program) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Print writes msg to the program's output sink. Programs loaded without
// one use the registry-wide sink, and stdout if that is unset too.
func (p *Program) Print(msg string) {
	switch {
	case p.output != nil:
		p.output(msg)
	default:
		fmt.Fprintln(os.Stdout, msg)
	}
}

// ReportError routes err to the program's error sink, with the same
// fallback as Print ending at stderr.
func (p *Program) ReportError(err error) {
	if err == nil {
		return
	}
	switch {
	case p.errs != nil:
		p.errs(err.Error())
	default:
		fmt.Fprintln(os.Stderr, err.Error())
	}
}

// -----------------------------------------------------------------------------
// Pending input
// -----------------------------------------------------------------------------

// PendingLen returns the size of the pending input buffer.
func (p *Program) PendingLen() int { return len(p.pending) }

// Pending returns a copy of the pending input buffer.
func (p *Program) Pending() []byte {
	if len(p.pending) == 0 {
		return nil
	}
	return append([]byte(nil), p.pending...)
}

// WriteInput stores data at offset in the pending buffer. A negative offset
// appends. Writing past the end zero-fills the gap. If the result would
// exceed limit bytes the buffer is left untouched and ok is false.
func (p *Program) WriteInput(data []byte, offset, limit int) bool {
	if offset < 0 {
		offset = len(p.pending)
	}
	if offset > math.MaxInt-len(data) {
		return false
	}
	end := offset + len(data)
	if limit > 0 && end > limit {
		return false
	}
	if end > len(p.pending) {
		if end > cap(p.pending) {
			grown := make([]byte, end, max(end, 2*cap(p.pending)))
			copy(grown, p.pending)
			p.pending = grown
		} else {
			p.pending = p.pending[:end]
		}
	}
	copy(p.pending[offset:], data)
	return true
}

// TakePending returns the pending buffer and clears it.
func (p *Program) TakePending() []byte {
	buf := p.pending
	p.pending = nil
	return buf
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// Link attaches a subscription.
func (p *Program) Link(id uint64, r Releaser) {
	if p.subs == nil {
		p.subs = make(map[uint64]Releaser)
	}
	p.subs[id] = r
}

// Unlink detaches exactly one subscription.
func (p *Program) Unlink(id uint64) {
	delete(p.subs, id)
}

// Subscriptions returns the number of linked subscriptions.
func (p *Program) Subscriptions() int { return len(p.subs) }

// release drops everything the program holds except its record. It is the
// part of close that happens once busy has drained.
func (p *Program) release() {
	if p.ctx == nil {
		return
	}
	p.Cancel()

	ids := make([]uint64, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if r, ok := p.subs[id]; ok {
			r.ForceRelease()
		}
	}
	p.subs = nil

	p.ctx.Release()
	p.ctx = nil
	p.pending = nil
	p.workingDir = ""
}

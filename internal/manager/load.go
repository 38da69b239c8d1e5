package manager

import (
	"context"

	"github.com/EternityForest/Acorns/internal/engine"
	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/event"
	"github.com/EternityForest/Acorns/internal/program"
	"github.com/EternityForest/Acorns/internal/scheduler"
)

// UsePendingInput passed as the source to Load loads the existing program's
// pending input buffer instead.
var UsePendingInput []byte

// LoadResult says what Load did.
type LoadResult int

const (
	// LoadLoaded means a new program was created, replacing any old one.
	LoadLoaded LoadResult = iota
	// LoadUnchanged means a program with the same version tag was already
	// loaded and nothing happened.
	LoadUnchanged
)

func (r LoadResult) String() string {
	if r == LoadUnchanged {
		return "unchanged"
	}
	return "loaded"
}

// LoadOptions tunes one Load.
type LoadOptions struct {
	// Sync runs the program inline before Load returns instead of queueing
	// the run.
	Sync bool
	// Parent is the id of the program to nest under. Empty means the root.
	Parent string
	// WorkingDir is recorded on the program for host functions to use.
	WorkingDir string
	// Output and Error override the process-wide sinks for this program.
	Output engine.Sink
	Error  engine.Sink
}

// Load compiles source as program id and runs it.
//
// If a program with id is loaded and its version tag matches, Load returns
// LoadUnchanged without touching it. A different tag closes the old program
// first, waiting for it to become idle. A compile failure rolls the new
// program back and returns a *errors.CompileError. Run failures are reported
// to the program's error sink, not returned; a failing queued run closes the
// program.
func (m *Manager) Load(ctx context.Context, source []byte, id string, opts LoadOptions) (LoadResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.shutdown {
		return LoadLoaded, apperrors.ErrShutdown
	}
	return m.loadLocked(ctx, source, id, opts)
}

// loadLocked is Load with the lock held.
func (m *Manager) loadLocked(ctx context.Context, source []byte, id string, opts LoadOptions) (LoadResult, error) {
	if id == "" {
		return LoadLoaded, apperrors.ErrInvalidID
	}
	m.mixEntropy()

	if source == nil {
		existing := m.lookupLocked(id, false)
		if existing == nil || existing.PendingLen() == 0 {
			return LoadLoaded, apperrors.NewProgramError("cannot load pending input", apperrors.ErrNothingToLoad).WithProgramID(id)
		}
		source = existing.Pending()
	}
	tag := m.tagger.Tag(source)
	log := m.log.WithProgram(id)

	// The lock is released while waiting for an old program to go idle, so
	// somebody else may have loaded id again in the meantime.
	replaced := false
	for {
		existing := m.lookupLocked(id, false)
		if existing == nil {
			break
		}
		if existing.VersionTag() == tag {
			log.Debug("program unchanged", "version_tag", tag)
			m.bus.Publish(event.NewProgramUnchangedEvent(id, tag))
			return LoadUnchanged, nil
		}
		log.Info("replacing program", "old_version_tag", existing.VersionTag(), "version_tag", tag)
		if err := m.closeLocked(ctx, existing); err != nil {
			return LoadLoaded, err
		}
		replaced = true
	}

	parent := m.reg.Root()
	if opts.Parent != "" {
		parent = m.lookupLocked(opts.Parent, false)
		if parent == nil {
			return LoadLoaded, apperrors.NewProgramError("parent not loaded", apperrors.ErrNotFound).WithProgramID(opts.Parent)
		}
	}
	if m.reg.FreeSlots() == 0 {
		return LoadLoaded, apperrors.NewProgramError("cannot load", apperrors.ErrNoFreeSlot).WithProgramID(id)
	}

	output := opts.Output
	if output == nil {
		output = m.outputFor(id)
	}
	errSink := opts.Error
	if errSink == nil {
		errSink = m.errorFor(id)
	}

	ectx, err := m.engine.NewChild(parent.Context(), id, output)
	if err != nil {
		return LoadLoaded, apperrors.NewProgramError("cannot create context", err).WithProgramID(id)
	}
	p, err := m.reg.Insert(program.Spec{
		ID:         id,
		VersionTag: tag,
		Parent:     parent,
		Context:    ectx,
		WorkingDir: opts.WorkingDir,
		Output:     output,
		Error:      errSink,
	})
	if err != nil {
		ectx.Release()
		return LoadLoaded, err
	}

	if err := ectx.Compile(source); err != nil {
		cerr := apperrors.NewCompileError(id, compileDetail(err), err)
		log.Warn("compile failed", "error", apperrors.Summary(cerr))
		m.bus.Publish(event.NewProgramFailedEvent(id, "compile", cerr))
		_ = m.closeLocked(ctx, p)
		return LoadLoaded, cerr
	}

	log.Info("program loaded", "version_tag", tag, "parent", parent.ID(), "replaced", replaced, "sync", opts.Sync)
	m.bus.Publish(event.NewProgramLoadedEvent(id, tag, parent.ID(), replaced))

	if opts.Sync {
		m.reg.MarkBusy(p)
		runCtx, stop := engine.Merge(p.RunContext(), ctx)
		_ = m.runTop(runCtx, p, "run")
		stop()
		m.reg.MarkIdle(p)
		return LoadLoaded, nil
	}

	r := scheduler.NewRequest(p, "run", m.runOp)
	r.CloseOnFailure = true
	if err := m.sched.Enqueue(ctx, r); err != nil {
		return LoadLoaded, err
	}
	return LoadLoaded, nil
}

// Run runs program id's compiled chunk again. With sync it runs inline and
// returns the run's error; otherwise it is queued. An unknown id does
// nothing.
func (m *Manager) Run(ctx context.Context, id string, sync bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.shutdown {
		return apperrors.ErrShutdown
	}
	p := m.lookupLocked(id, false)
	if p == nil {
		return nil
	}
	if !sync {
		return m.sched.Enqueue(ctx, scheduler.NewRequest(p, "run", m.runOp))
	}

	if err := m.reg.WaitIdle(ctx, p); err != nil {
		return err
	}
	if p.Closed() {
		return nil
	}
	m.reg.MarkBusy(p)
	runCtx, stop := engine.Merge(p.RunContext(), ctx)
	err := m.runTop(runCtx, p, "run")
	stop()
	m.reg.MarkIdle(p)
	return err
}

// WriteInput stores data at offset in program id's pending input buffer; a
// negative offset appends. The root program ("") has a buffer too. An
// unknown id does nothing. A write that would push the buffer past the
// configured limit fails with ErrAllocation and leaves it unchanged.
func (m *Manager) WriteInput(id string, data []byte, offset int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	p := m.lookupLocked(id, true)
	if p == nil {
		return nil
	}
	if !p.WriteInput(data, offset, m.cfg.MaxInputBytes) {
		return apperrors.NewProgramError("cannot buffer input", apperrors.ErrAllocation).WithProgramID(id)
	}
	return nil
}

// RunInput queues compiling and running program id's pending input. The
// buffer is released whether or not it compiles. An unknown id does
// nothing.
func (m *Manager) RunInput(ctx context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.shutdown {
		return apperrors.ErrShutdown
	}
	p := m.lookupLocked(id, true)
	if p == nil {
		return nil
	}
	return m.sched.Enqueue(ctx, scheduler.NewRequest(p, "input", m.inputOp))
}

// runOp is the queued form of a run.
func (m *Manager) runOp(ctx context.Context, p *program.Program) error {
	return m.runTop(ctx, p, "run")
}

// inputOp compiles and runs the pending input buffer.
func (m *Manager) inputOp(ctx context.Context, p *program.Program) error {
	src := p.TakePending()
	if len(src) == 0 {
		return nil
	}
	if err := p.Context().Compile(src); err != nil {
		cerr := apperrors.NewCompileError(p.ID(), compileDetail(err), err)
		p.ReportError(cerr)
		m.bus.Publish(event.NewProgramFailedEvent(p.ID(), "input", cerr))
		return cerr
	}
	return m.runTop(ctx, p, "input")
}

// runTop invokes the compiled chunk with the lock held and p marked busy.
// Failures are reported to p's error sink and returned.
func (m *Manager) runTop(ctx context.Context, p *program.Program, phase string) error {
	res, err := p.Context().InvokeTop(ctx)
	if err != nil {
		ierr := apperrors.NewInvokeError(p.ID(), invokeDetail(err), err)
		var rerr *engine.RuntimeError
		if apperrors.As(err, &rerr) {
			ierr.WithTraceback(rerr.Traceback)
		}
		p.ReportError(ierr)
		p.Logger().Warn("run failed", "phase", phase, "error", apperrors.Summary(ierr))
		m.bus.Publish(event.NewProgramFailedEvent(p.ID(), phase, ierr))
		return ierr
	}
	if res != nil {
		p.Print(formatResult(res))
	}
	return nil
}

func compileDetail(err error) string {
	var cerr *engine.CompileError
	if apperrors.As(err, &cerr) {
		return cerr.Message
	}
	return err.Error()
}

func invokeDetail(err error) string {
	var rerr *engine.RuntimeError
	if apperrors.As(err, &rerr) {
		return rerr.Message
	}
	return err.Error()
}

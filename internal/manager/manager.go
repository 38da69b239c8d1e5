// Package manager is the public face of acorns: it multiplexes independently
// loaded script programs onto one engine, one global lock and one worker
// pool.
//
// # Locking
//
// Every exported method takes the global lock itself and must not be called
// from code that already holds it, which includes host functions running
// inside a script and event bus handlers. The Locked variants exist for
// those callers.
//
// # Lifecycle
//
// A program is loaded into a free registry slot, compiled into its own
// context nested under its parent's, and run once, either inline or on a
// worker. Closing waits until neither the program nor any descendant is
// running, releases the context, and frees the record once the last queued
// request naming it has drained.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/EternityForest/Acorns/internal/callback"
	"github.com/EternityForest/Acorns/internal/config"
	"github.com/EternityForest/Acorns/internal/engine"
	"github.com/EternityForest/Acorns/internal/engine/luaengine"
	"github.com/EternityForest/Acorns/internal/entropy"
	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/event"
	"github.com/EternityForest/Acorns/internal/gil"
	"github.com/EternityForest/Acorns/internal/logging"
	"github.com/EternityForest/Acorns/internal/modules"
	"github.com/EternityForest/Acorns/internal/program"
	"github.com/EternityForest/Acorns/internal/scheduler"
)

// SinkFactory returns the sink for one program. The root program's id is "".
type SinkFactory func(programID string) engine.Sink

// Options configures a Manager. Zero values select defaults.
type Options struct {
	// Config supplies the manager, engine and modules sections.
	Config *config.Config
	// Engine builds the script engine. Defaults to the Lua engine configured
	// from Config.Engine.
	Engine engine.Factory
	Logger *logging.Logger
	Bus    *event.Bus
	// Output and Error build the process-wide sinks. Programs loaded without
	// their own sinks use these.
	Output SinkFactory
	Error  SinkFactory
	// Fs is where import() reads module files. Defaults to the OS.
	Fs afero.Fs
}

// Manager owns the registry, the scheduler and the engine.
type Manager struct {
	cfg    config.ManagerConfig
	lock   *gil.Lock
	engine engine.Engine
	reg    *program.Registry
	sched  *scheduler.Scheduler
	hub    *callback.Hub
	bus    *event.Bus
	log    *logging.Logger

	tagger  entropy.Tagger
	random  *entropy.Source
	modules *modules.Importer

	output SinkFactory
	errs   SinkFactory

	cancel       context.CancelFunc
	shutdownOnce sync.Once

	// Guarded by lock.
	shutdown bool
}

// New creates a Manager and starts its workers.
func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus()
	}
	bus.SetLogger(log)

	lock := gil.New(cfg.Manager.LockTimeout)
	m := &Manager{
		cfg:  cfg.Manager,
		lock: lock,
		bus:  bus,
		log:  log.WithComponent("manager"),
		tagger: entropy.Tagger{
			Mode:      cfg.Manager.VersionMode,
			PrefixLen: cfg.Manager.VersionPrefixLen,
		},
		random:  entropy.NewSource(),
		modules: modules.New(opts.Fs, cfg.Modules.Dir, lock, log),
		output:  opts.Output,
		errs:    opts.Error,
	}

	factory := opts.Engine
	if factory == nil {
		factory = luaengine.Factory(luaengine.Options{
			CallStackSize:      cfg.Engine.CallStackSize,
			RegistrySize:       cfg.Engine.RegistrySize,
			CheckpointInterval: cfg.Engine.CheckpointInterval,
			SkipOpenLibs:       !cfg.Engine.OpenLibs,
			Output:             m.outputFor(""),
		})
	}
	eng, err := factory(m.lock)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to create engine")
	}
	m.engine = eng

	base, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.reg = program.NewRegistry(m.lock, eng.Root(), program.RegistryOptions{
		Capacity: cfg.Manager.MaxPrograms,
		Base:     base,
		Output:   m.outputFor(""),
		Error:    m.errorFor(""),
		Logger:   log,
		OnFree:   m.onFree,
	})

	cbOpts := callback.Options{Lock: m.lock, Registry: m.reg, Bus: bus}
	m.hub = callback.NewHub(cbOpts, log)

	m.sched = scheduler.New(scheduler.Options{
		Lock:      m.lock,
		Registry:  m.reg,
		Bus:       bus,
		Logger:    log,
		Workers:   cfg.Manager.Workers,
		QueueSize: cfg.Manager.QueueSize,
		Close: func(p *program.Program) {
			_ = m.closeLocked(context.Background(), p)
		},
	})

	m.lock.Lock()
	err = m.installBuiltins()
	m.lock.Unlock()
	if err != nil {
		cancel()
		_ = eng.Close()
		return nil, apperrors.Wrap(err, "failed to install builtins")
	}

	m.sched.Start()
	m.log.Info("manager started",
		"max_programs", m.reg.Capacity(),
		"workers", cfg.Manager.Workers,
		"queue_size", cfg.Manager.QueueSize,
	)
	return m, nil
}

// Bus returns the event bus lifecycle events are published on.
func (m *Manager) Bus() *event.Bus { return m.bus }

// Lock returns the global lock, for host functions that need to release it
// around blocking work.
func (m *Manager) Lock() *gil.Lock { return m.lock }

// Engine returns the script engine.
func (m *Manager) Engine() engine.Engine { return m.engine }

// IsLoaded reports whether a program with id is loaded.
func (m *Manager) IsLoaded(id string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if id == "" {
		return false
	}
	p := m.reg.Lookup(id)
	return p != nil && !p.Closed()
}

// IsLoadedVersion reports whether program id is loaded from source, meaning
// a Load of source under id would be skipped as unchanged.
func (m *Manager) IsLoadedVersion(id string, source []byte) bool {
	tag := m.tagger.Tag(source)
	m.lock.Lock()
	defer m.lock.Unlock()
	if id == "" {
		return false
	}
	p := m.reg.Lookup(id)
	return p != nil && !p.Closed() && p.VersionTag() == tag
}

// Submit queues op to run against program id on a worker, the way the
// manager's own runs are queued. The returned request reports op's result
// on Done.
func (m *Manager) Submit(ctx context.Context, id string, op scheduler.Op) (*scheduler.Request, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.shutdown {
		return nil, apperrors.ErrShutdown
	}
	p := m.reg.Lookup(id)
	if p == nil || p.Closed() {
		return nil, apperrors.NewProgramError("cannot submit", apperrors.ErrNotFound).WithProgramID(id)
	}
	r := scheduler.NewRequest(p, "submit", op)
	if err := m.sched.Enqueue(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Wait blocks until no request is queued or running.
func (m *Manager) Wait(ctx context.Context) error {
	return m.sched.Drain(ctx)
}

// Shutdown cancels every run, closes every program, stops the workers and
// releases the engine. Later calls return immediately.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.lock.Lock()
		m.shutdown = true
		m.reg.Root().Cancel()
		for _, p := range m.reg.Programs() {
			if cerr := m.closeLocked(ctx, p); cerr != nil && err == nil {
				err = cerr
			}
		}
		m.lock.Unlock()

		m.sched.Stop()

		m.lock.Lock()
		m.modules.Close()
		m.reg.Shutdown()
		m.lock.Unlock()

		m.cancel()
		if cerr := m.engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.log.Info("manager stopped")
	})
	return err
}

func (m *Manager) outputFor(id string) engine.Sink {
	if m.output == nil {
		return nil
	}
	return m.output(id)
}

func (m *Manager) errorFor(id string) engine.Sink {
	if m.errs == nil {
		return nil
	}
	return m.errs(id)
}

// onFree runs with the lock held when a program record goes away.
func (m *Manager) onFree(p *program.Program) {
	m.bus.Publish(event.NewProgramFreedEvent(p.ID()))
	m.log.Debug("program freed", "program_id", p.ID())
}

// lookupLocked returns the live program for id, or nil. The root is only
// returned when allowRoot is set.
func (m *Manager) lookupLocked(id string, allowRoot bool) *program.Program {
	if id == "" && !allowRoot {
		return nil
	}
	p := m.reg.Lookup(id)
	if p == nil || p.Closed() {
		return nil
	}
	return p
}

// mixEntropy feeds an irregular event time into the random source.
func (m *Manager) mixEntropy() {
	m.random.Mix(uint64(time.Now().UnixNano()))
}

// formatResult renders a chunk's return value for the output sink.
func formatResult(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprint(val)
	}
}

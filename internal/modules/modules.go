// Package modules implements import(): a cache of module values shared by
// every program, filled from Go-provided modules or from script files in a
// module directory.
//
// A module file is compiled into its own context under the root and run
// once; whatever it returns is the module value. Later imports of the same
// name, from any program, get the cached value. An import that arrives while
// the module's top level is still running (it yielded the lock) waits for it,
// unless it comes from that load itself, which is an import cycle.
package modules

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/EternityForest/Acorns/internal/engine"
	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/logging"
)

// Extension is appended to a module name to find its file.
const Extension = ".lua"

// Waiter blocks until ready holds and wakes blocked waiters on Broadcast.
// The global lock implements it; the lock is released while waiting.
type Waiter interface {
	WaitUntil(ctx context.Context, ready func() bool) error
	Broadcast()
}

// loading is a module whose top level is running.
type loading struct {
	ctx engine.Context // the module's own context
	by  engine.Context // the context whose import started it
}

// Importer resolves and caches modules. It is guarded by the global lock:
// import() runs inside scripts, which already hold it.
type Importer struct {
	fs   afero.Fs
	dir  string
	wait Waiter
	log  *logging.Logger

	cache    map[string]any
	loading  map[string]*loading
	contexts []engine.Context
}

// New creates an Importer reading name.lua files from dir on fs. An empty
// dir leaves only provided modules importable. Without a Waiter, importing
// a module that is still loading fails instead of waiting.
func New(fs afero.Fs, dir string, wait Waiter, log *logging.Logger) *Importer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Importer{
		fs:      fs,
		dir:     dir,
		wait:    wait,
		log:     log.WithComponent("modules"),
		cache:   make(map[string]any),
		loading: make(map[string]*loading),
	}
}

// Provide registers a Go value as module name, replacing any cached value.
func (im *Importer) Provide(name string, value any) {
	im.cache[name] = value
}

// Loaded returns the names of cached modules in sorted order.
func (im *Importer) Loaded() []string {
	names := make([]string, 0, len(im.cache))
	for name := range im.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidName reports whether name can be used as a module name: non-empty,
// no path separators and no leading dot.
func ValidName(name string) bool {
	return name != "" &&
		!strings.ContainsAny(name, `/\`) &&
		!strings.HasPrefix(name, ".")
}

// Import returns module name, loading it with eng on first use. from is the
// context calling import(); it may be nil for Go callers.
func (im *Importer) Import(ctx context.Context, eng engine.Engine, from engine.Context, name string) (any, error) {
	if _, busy := im.loading[name]; busy {
		if err := im.awaitLoad(ctx, from, name); err != nil {
			return nil, err
		}
	}
	if v, ok := im.cache[name]; ok {
		return v, nil
	}
	if !ValidName(name) {
		return nil, fmt.Errorf("invalid module name %q", name)
	}
	if im.dir == "" {
		return nil, fmt.Errorf("module %q: %w", name, apperrors.ErrNotFound)
	}

	file := filepath.Join(im.dir, name+Extension)
	src, err := afero.ReadFile(im.fs, file)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", name, apperrors.ErrNotFound)
	}

	mctx, err := eng.NewChild(eng.Root(), "module:"+name, nil)
	if err != nil {
		return nil, apperrors.Wrapf(err, "module %q", name)
	}
	if err := mctx.Compile(src); err != nil {
		mctx.Release()
		return nil, apperrors.NewCompileError("module:"+name, err.Error(), err)
	}
	im.loading[name] = &loading{ctx: mctx, by: from}
	v, err := mctx.InvokeTop(ctx)
	delete(im.loading, name)
	if im.wait != nil {
		im.wait.Broadcast()
	}
	if err != nil {
		mctx.Release()
		return nil, apperrors.NewInvokeError("module:"+name, err.Error(), err)
	}

	// The context stays alive: functions the module returned close over
	// its scope.
	im.contexts = append(im.contexts, mctx)
	im.cache[name] = v
	im.log.Debug("module loaded", "module", name, "file", file)
	return v, nil
}

// awaitLoad waits for another import of name to finish. A wait from inside
// the load itself, directly or through the modules it imports, would never
// end and is reported as a cycle.
func (im *Importer) awaitLoad(ctx context.Context, from engine.Context, name string) error {
	if im.importedBy(from, name) {
		return fmt.Errorf("module %q: import cycle", name)
	}
	if im.wait == nil {
		return fmt.Errorf("module %q is still loading", name)
	}
	return im.wait.WaitUntil(ctx, func() bool {
		_, busy := im.loading[name]
		return !busy
	})
}

// importedBy reports whether from runs on behalf of the load of name.
func (im *Importer) importedBy(from engine.Context, name string) bool {
	for from != nil {
		var next engine.Context
		for n, l := range im.loading {
			if l.ctx != from {
				continue
			}
			if n == name {
				return true
			}
			next = l.by
			break
		}
		from = next
	}
	return false
}

// Close releases every module context and empties the cache.
func (im *Importer) Close() {
	for _, c := range im.contexts {
		c.Release()
	}
	im.contexts = nil
	im.cache = make(map[string]any)
}

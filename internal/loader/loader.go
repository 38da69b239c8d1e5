// Package loader keeps a directory of script files and the manager's
// programs in step. Each matching file becomes the program named after the
// file's base name without its extension. Changed files are reloaded, which
// the manager skips when the version tag is unchanged, and removed files
// close their program.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"github.com/EternityForest/Acorns/internal/logging"
	"github.com/EternityForest/Acorns/internal/manager"
)

// DefaultDebounce coalesces the bursts of events editors produce for one save.
const DefaultDebounce = 200 * time.Millisecond

// Target is the part of the manager the loader drives.
type Target interface {
	Load(ctx context.Context, source []byte, id string, opts manager.LoadOptions) (manager.LoadResult, error)
	Close(ctx context.Context, id string) error
}

// Options configures a Loader.
type Options struct {
	Fs  afero.Fs
	Dir string
	// Pattern is a glob matched against file base names. Default "*.lua".
	Pattern  string
	Debounce time.Duration
	// Sync runs each program's top level before Load returns instead of
	// queueing it.
	Sync   bool
	Logger *logging.Logger
}

// Loader loads the files of one directory as programs.
type Loader struct {
	target   Target
	fs       afero.Fs
	dir      string
	match    glob.Glob
	debounce time.Duration
	sync     bool
	log      *logging.Logger

	mu    sync.Mutex
	known map[string]string // program id -> file path
}

// New creates a Loader for opts.Dir.
func New(target Target, opts Options) (*Loader, error) {
	if opts.Dir == "" {
		return nil, errors.New("loader: no directory")
	}
	if opts.Pattern == "" {
		opts.Pattern = "*.lua"
	}
	match, err := glob.Compile(opts.Pattern)
	if err != nil {
		return nil, fmt.Errorf("loader: invalid pattern %q: %w", opts.Pattern, err)
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Loader{
		target:   target,
		fs:       opts.Fs,
		dir:      opts.Dir,
		match:    match,
		debounce: opts.Debounce,
		sync:     opts.Sync,
		log:      opts.Logger.WithComponent("loader"),
		known:    make(map[string]string),
	}, nil
}

// ProgramID returns the program id for a file: its base name without the
// extension.
func ProgramID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Matches reports whether path names a file the loader manages.
func (l *Loader) Matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return l.match.Match(base)
}

// Known returns the ids of the programs the loader has loaded, sorted.
func (l *Loader) Known() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.known))
	for id := range l.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scan loads every matching file in the directory and closes programs whose
// file has gone. Failures do not stop the scan; they are returned joined.
func (l *Loader) Scan(ctx context.Context) error {
	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return fmt.Errorf("loader: read %s: %w", l.dir, err)
	}

	var errs []error
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !l.Matches(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		seen[ProgramID(path)] = true
		if err := l.LoadFile(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range l.Known() {
		if seen[id] {
			continue
		}
		if err := l.closeID(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadFile loads or reloads the program for path.
func (l *Loader) LoadFile(ctx context.Context, path string) error {
	src, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return fmt.Errorf("loader: read %s: %w", path, err)
	}
	id := ProgramID(path)
	res, err := l.target.Load(ctx, src, id, manager.LoadOptions{Sync: l.sync})
	if err != nil {
		l.log.Warn("load failed", "program_id", id, "file", path, "error", err)
		return fmt.Errorf("loader: %s: %w", filepath.Base(path), err)
	}

	l.mu.Lock()
	l.known[id] = path
	l.mu.Unlock()
	l.log.Info("program "+res.String(), "program_id", id, "file", path)
	return nil
}

// Remove closes the program loaded from path, if any.
func (l *Loader) Remove(ctx context.Context, path string) error {
	id := ProgramID(path)
	l.mu.Lock()
	known, ok := l.known[id]
	l.mu.Unlock()
	if !ok || known != path {
		return nil
	}
	return l.closeID(ctx, id)
}

func (l *Loader) closeID(ctx context.Context, id string) error {
	l.mu.Lock()
	delete(l.known, id)
	l.mu.Unlock()
	if err := l.target.Close(ctx, id); err != nil {
		return fmt.Errorf("loader: close %s: %w", id, err)
	}
	l.log.Info("program closed", "program_id", id)
	return nil
}

// Watch reloads and closes programs as the directory changes until ctx is
// done. It watches the real file system, so the Loader's Fs must be backed
// by the OS.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("loader: watch %s: %w", l.dir, err)
	}

	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	pending := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || !l.Matches(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(l.debounce)

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			clear(pending)
			sort.Strings(paths)
			l.Apply(ctx, paths)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("watch error", "error", err)
		}
	}
}

// Apply brings the programs for paths in line with the files: present files
// are (re)loaded and missing ones closed. Errors are logged.
func (l *Loader) Apply(ctx context.Context, paths []string) {
	for _, path := range paths {
		var err error
		if _, statErr := l.fs.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			err = l.Remove(ctx, path)
		} else {
			err = l.LoadFile(ctx, path)
		}
		if err != nil {
			l.log.Warn("apply failed", "file", path, "error", err)
		}
	}
}

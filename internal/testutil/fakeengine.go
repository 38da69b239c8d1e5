package testutil

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/EternityForest/Acorns/internal/engine"
)

// FakeEngine is a deterministic engine.Engine for scheduler and manager
// tests. Source is a list of line commands:
//
//	print TEXT       write TEXT to the context's output sink
//	fail TEXT        raise a runtime error
//	block NAME       signal Started(NAME), then yield until Release(NAME)
//	set NAME VALUE   bind NAME in the context's scope
//	return VALUE     stop and return VALUE
//
// Source whose first line is "syntax error" fails to compile.
type FakeEngine struct {
	host engine.Host

	mu       sync.Mutex
	root     *FakeContext
	contexts []*FakeContext
	gates    map[string]*gate
	closed   bool
}

type gate struct {
	started  chan struct{}
	release  chan struct{}
	startOne sync.Once
	relOne   sync.Once
}

// NewFakeEngine creates a FakeEngine bound to host (which may be nil).
func NewFakeEngine(host engine.Host) *FakeEngine {
	e := &FakeEngine{host: host, gates: make(map[string]*gate)}
	e.root = &FakeContext{engine: e, name: "root", vars: map[string]any{}}
	return e
}

// FakeFactory returns an engine.Factory that records the engine it built
// in *out.
func FakeFactory(out **FakeEngine) engine.Factory {
	return func(host engine.Host) (engine.Engine, error) {
		e := NewFakeEngine(host)
		if out != nil {
			*out = e
		}
		return e, nil
	}
}

func (e *FakeEngine) gate(name string) *gate {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[name]
	if !ok {
		g = &gate{started: make(chan struct{}), release: make(chan struct{})}
		e.gates[name] = g
	}
	return g
}

// Started returns a channel closed once a "block NAME" line is reached.
func (e *FakeEngine) Started(name string) <-chan struct{} {
	return e.gate(name).started
}

// Release lets every "block NAME" line continue.
func (e *FakeEngine) Release(name string) {
	g := e.gate(name)
	g.relOne.Do(func() { close(g.release) })
}

// Root returns the root context.
func (e *FakeEngine) Root() engine.Context { return e.root }

// NewChild creates a context whose Get falls back to parent.
func (e *FakeEngine) NewChild(parent engine.Context, name string, output engine.Sink) (engine.Context, error) {
	p, ok := parent.(*FakeContext)
	if !ok {
		return nil, fmt.Errorf("fake: foreign parent %T", parent)
	}
	if p.Released() {
		return nil, engine.ErrReleased
	}
	c := &FakeContext{engine: e, parent: p, name: name, output: output, vars: map[string]any{}}
	e.mu.Lock()
	e.contexts = append(e.contexts, c)
	e.mu.Unlock()
	return c, nil
}

// Close marks the engine closed.
func (e *FakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.root.Release()
	return nil
}

// Closed reports whether Close was called.
func (e *FakeEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Contexts returns every child context created so far.
func (e *FakeEngine) Contexts() []*FakeContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeContext(nil), e.contexts...)
}

// Context returns the most recent child context with the given name.
func (e *FakeEngine) Context(name string) *FakeContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.contexts) - 1; i >= 0; i-- {
		if e.contexts[i].name == name {
			return e.contexts[i]
		}
	}
	return nil
}

// FakeContext is one scope of a FakeEngine.
type FakeContext struct {
	engine *FakeEngine
	parent *FakeContext
	name   string
	output engine.Sink

	mu       sync.Mutex
	vars     map[string]any
	top      string
	compiled []string
	runs     int
	owner    any
	released bool
}

// Name returns the context name.
func (c *FakeContext) Name() string { return c.name }

// Compile stores src as the chunk to run.
func (c *FakeContext) Compile(src []byte) error {
	if c.Released() {
		return engine.ErrReleased
	}
	s := string(src)
	if strings.HasPrefix(s, "syntax error") {
		return &engine.CompileError{Name: c.name, Message: strings.TrimSpace(s)}
	}
	c.mu.Lock()
	c.top = s
	c.compiled = append(c.compiled, s)
	c.mu.Unlock()
	return nil
}

// Compiled returns every source compiled into the context.
func (c *FakeContext) Compiled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.compiled...)
}

// Runs returns how many times InvokeTop ran.
func (c *FakeContext) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

// InvokeTop interprets the compiled source.
func (c *FakeContext) InvokeTop(ctx context.Context) (any, error) {
	if c.Released() {
		return nil, engine.ErrReleased
	}
	c.mu.Lock()
	src := c.top
	c.runs++
	c.mu.Unlock()
	return c.interpret(ctx, src)
}

func (c *FakeContext) interpret(ctx context.Context, src string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "print":
			c.print(arg)
		case "fail":
			return nil, &engine.RuntimeError{Name: c.name, Message: arg}
		case "block":
			g := c.engine.gate(arg)
			g.startOne.Do(func() { close(g.started) })
			for {
				select {
				case <-g.release:
				case <-ctx.Done():
					return nil, &engine.RuntimeError{Name: c.name, Message: "cancelled", Cause: ctx.Err()}
				default:
					if c.engine.host != nil {
						c.engine.host.Yield()
					}
					runtime.Gosched()
					continue
				}
				break
			}
		case "set":
			name, value, _ := strings.Cut(arg, " ")
			c.Set(name, value)
		case "return":
			return arg, nil
		default:
			// Anything else is printed back, which is what the REPL tests
			// reassembling input buffers look for.
			c.print(line)
		}
	}
	return nil, nil
}

func (c *FakeContext) print(msg string) {
	for cur := c; cur != nil; cur = cur.parent {
		if cur.output != nil {
			cur.output(msg)
			return
		}
	}
}

// Call invokes a FakeCallable.
func (c *FakeContext) Call(ctx context.Context, fn engine.Callable, args ...any) (any, error) {
	if c.Released() {
		return nil, engine.ErrReleased
	}
	f, ok := fn.(*FakeCallable)
	if !ok {
		return nil, fmt.Errorf("fake: %T is not callable", fn)
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Fn == nil {
		return nil, nil
	}
	return f.Fn(ctx, args...)
}

// Set binds name in the context's own scope.
func (c *FakeContext) Set(name string, value any) error {
	if c.Released() {
		return engine.ErrReleased
	}
	c.mu.Lock()
	c.vars[name] = value
	c.mu.Unlock()
	return nil
}

// Get reads name, falling back to the parent scope.
func (c *FakeContext) Get(name string) any {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		v, ok := cur.vars[name]
		cur.mu.Unlock()
		if ok {
			return v
		}
	}
	return nil
}

// SetOwner attaches manager bookkeeping.
func (c *FakeContext) SetOwner(owner any) { c.owner = owner }

// Owner returns the attached bookkeeping.
func (c *FakeContext) Owner() any { return c.owner }

// Release marks the context released.
func (c *FakeContext) Release() {
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
}

// Released reports whether Release was called.
func (c *FakeContext) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// FakeCallable is an engine.Callable backed by a Go function.
type FakeCallable struct {
	Fn func(ctx context.Context, args ...any) (any, error)

	mu    sync.Mutex
	calls int
}

// Kind reports KindNative.
func (f *FakeCallable) Kind() engine.CallableKind { return engine.KindNative }

// Calls returns how many times the callable ran.
func (f *FakeCallable) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

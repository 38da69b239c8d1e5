// Package luaengine implements the engine contract on top of gopher-lua.
//
// Every program runs on its own Lua thread that shares the root state's
// globals. A program's scope is a fresh table whose metatable __index points
// at the parent's scope, so programs see everything the root (or their parent
// program) defines while their own assignments stay private.
//
// The VM polls its context once per instruction. Runs are given an
// engine.Checkpoint as that context, which turns the poll into the yield
// checkpoint that releases the global lock.
package luaengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/EternityForest/Acorns/internal/engine"
	lua "github.com/yuin/gopher-lua"
)

// Options configures the Lua engine.
type Options struct {
	// CallStackSize is the per-thread call stack depth (0 = gopher-lua default).
	CallStackSize int
	// RegistrySize is the initial per-thread registry size (0 = default).
	RegistrySize int
	// CheckpointInterval is the number of VM instructions between yields.
	CheckpointInterval int
	// SkipOpenLibs leaves the Lua standard library out of the root scope.
	SkipOpenLibs bool
	// Output receives text printed from the root scope.
	Output engine.Sink
}

// Factory returns an engine.Factory producing Lua engines with opts.
func Factory(opts Options) engine.Factory {
	return func(host engine.Host) (engine.Engine, error) {
		return New(host, opts), nil
	}
}

// Engine is a gopher-lua backed engine.Engine.
type Engine struct {
	opts Options
	host engine.Host
	L    *lua.LState
	root *Context

	mu      sync.Mutex
	threads map[*lua.LState]*Context
	closed  bool
}

// New creates an engine whose root scope is the Lua global table.
// host may be nil, in which case runs never yield.
func New(host engine.Host, opts Options) *Engine {
	L := lua.NewState(lua.Options{
		CallStackSize: opts.CallStackSize,
		RegistrySize:  opts.RegistrySize,
		SkipOpenLibs:  opts.SkipOpenLibs,
	})

	e := &Engine{
		opts:    opts,
		host:    host,
		L:       L,
		threads: make(map[*lua.LState]*Context),
	}
	e.root = &Context{
		engine: e,
		name:   "root",
		L:      L,
		env:    L.G.Global,
	}
	e.threads[L] = e.root

	if opts.Output != nil {
		L.SetGlobal("print", L.NewFunction(printer(opts.Output)))
	}
	if !opts.SkipOpenLibs {
		shareContext(L)
	}
	return e
}

// shareContext makes a coroutine run under the context of the thread that
// resumes it. gopher-lua hands each new thread a context derived from its
// creator's, whose Done never reaches the yield checkpoint, so a loop in a
// coroutine would keep the global lock.
func shareContext(L *lua.LState) {
	co, ok := L.GetGlobal(lua.CoroutineLibName).(*lua.LTable)
	if !ok {
		return
	}
	resume, ok := co.RawGetString("resume").(*lua.LFunction)
	if !ok || resume.GFunction == nil {
		return
	}
	wrap, ok := co.RawGetString("wrap").(*lua.LFunction)
	if !ok || wrap.GFunction == nil {
		return
	}

	co.RawSetString("resume", L.NewFunction(func(L *lua.LState) int {
		inherit(L, L.CheckThread(1))
		return resume.GFunction(L)
	}))
	co.RawSetString("wrap", L.NewFunction(func(L *lua.LState) int {
		n := wrap.GFunction(L)
		aux, ok := L.Get(-1).(*lua.LFunction)
		if !ok || aux.GFunction == nil || len(aux.Upvalues) == 0 {
			return n
		}
		th, ok := aux.Upvalues[0].Value().(*lua.LState)
		if !ok {
			return n
		}
		L.Pop(1)
		// The wrapper reads the thread from its first upvalue, so the
		// replacement carries the same one.
		L.Push(L.NewClosure(func(L *lua.LState) int {
			inherit(L, th)
			return aux.GFunction(L)
		}, th))
		return 1
	}))
}

func inherit(L, th *lua.LState) {
	if ctx := L.Context(); ctx != nil {
		th.SetContext(ctx)
	}
}

// Root returns the context backed by the Lua global table.
func (e *Engine) Root() engine.Context {
	return e.root
}

// NewChild creates a program scope on a new Lua thread.
func (e *Engine) NewChild(parent engine.Context, name string, output engine.Sink) (engine.Context, error) {
	p, ok := parent.(*Context)
	if !ok || p.engine != e {
		return nil, fmt.Errorf("luaengine: parent context does not belong to this engine")
	}
	if p.released {
		return nil, engine.ErrReleased
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ErrReleased
	}

	thread, cancel := e.L.NewThread()

	env := thread.NewTable()
	meta := thread.NewTable()
	meta.RawSetString("__index", p.env)
	thread.SetMetatable(env, meta)
	env.RawSetString("_G", env)
	if output != nil {
		env.RawSetString("print", thread.NewFunction(printer(output)))
	}

	c := &Context{
		engine: e,
		name:   name,
		L:      thread,
		cancel: cancel,
		env:    env,
	}
	e.threads[thread] = c
	return c, nil
}

// Close shuts the root state down. Contexts must not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for L, c := range e.threads {
		c.released = true
		delete(e.threads, L)
	}
	e.L.Close()
	return nil
}

// contextFor maps a running Lua state back to the program context it
// belongs to. Coroutines created by scripts are resolved through their
// resuming parent.
func (e *Engine) contextFor(L *lua.LState) engine.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	for cur := L; cur != nil; cur = cur.Parent {
		if c, ok := e.threads[cur]; ok {
			return c
		}
	}
	return e.root
}

func (e *Engine) forget(c *Context) {
	e.mu.Lock()
	delete(e.threads, c.L)
	e.mu.Unlock()
}

// Context is one Lua scope bound to one Lua thread.
type Context struct {
	engine *Engine
	name   string
	L      *lua.LState
	cancel context.CancelFunc
	env    *lua.LTable
	top    *lua.LFunction
	owner  any

	released bool
}

// Name returns the chunk name.
func (c *Context) Name() string {
	return c.name
}

// Compile loads src as a chunk bound to this context's scope.
func (c *Context) Compile(src []byte) error {
	if c.released {
		return engine.ErrReleased
	}
	fn, err := c.L.Load(bytes.NewReader(src), c.name)
	if err != nil {
		msg := err.Error()
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Object != nil {
			msg = apiErr.Object.String()
		}
		return &engine.CompileError{Name: c.name, Message: msg}
	}
	c.L.SetFEnv(fn, c.env)
	c.top = fn
	return nil
}

// InvokeTop runs the last compiled chunk with this context's scope as the
// only argument.
func (c *Context) InvokeTop(ctx context.Context) (any, error) {
	if c.released {
		return nil, engine.ErrReleased
	}
	if c.top == nil {
		return nil, &engine.RuntimeError{Name: c.name, Message: "nothing compiled"}
	}
	return c.call(ctx, c.top, c.env)
}

// Call invokes fn on this context's thread.
func (c *Context) Call(ctx context.Context, fn engine.Callable, args ...any) (any, error) {
	if c.released {
		return nil, engine.ErrReleased
	}
	cb, ok := fn.(*callable)
	if !ok {
		return nil, fmt.Errorf("luaengine: %T is not a Lua callable", fn)
	}
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = c.engine.toLua(c.L, a)
	}
	return c.call(ctx, cb.value, largs...)
}

func (c *Context) call(ctx context.Context, fn lua.LValue, args ...lua.LValue) (any, error) {
	L := c.L

	var fatal any
	var yield func()
	if c.engine.host != nil {
		yield = func() {
			defer func() {
				// The VM turns panics into Lua errors; remember the
				// original so it can be re-raised outside the VM.
				if r := recover(); r != nil {
					fatal = r
					panic(r)
				}
			}()
			c.engine.host.Yield()
		}
	}

	L.SetContext(engine.NewCheckpoint(ctx, c.engine.opts.CheckpointInterval, yield))
	defer L.RemoveContext()

	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	if fatal != nil {
		panic(fatal)
	}
	if err != nil {
		rerr := &engine.RuntimeError{Name: c.name, Message: err.Error()}
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) {
			if apiErr.Object != nil {
				rerr.Message = apiErr.Object.String()
			}
			rerr.Traceback = apiErr.StackTrace
		}
		if ctx != nil && ctx.Err() != nil {
			rerr.Cause = ctx.Err()
		}
		return nil, rerr
	}

	ret := L.Get(-1)
	L.Pop(1)
	return c.engine.toGo(L, ret, 0), nil
}

// Set binds name in this context's own scope.
func (c *Context) Set(name string, value any) error {
	if c.released {
		return engine.ErrReleased
	}
	c.env.RawSetString(name, c.engine.toLua(c.L, value))
	return nil
}

// Get reads name from this context's scope, following delegation.
func (c *Context) Get(name string) any {
	if c.released {
		return nil
	}
	return c.engine.toGo(c.L, c.L.GetField(c.env, name), 0)
}

// SetOwner attaches manager bookkeeping.
func (c *Context) SetOwner(owner any) {
	c.owner = owner
}

// Owner returns the attached bookkeeping.
func (c *Context) Owner() any {
	return c.owner
}

// Release cancels any run on the thread and drops the scope.
func (c *Context) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.cancel != nil {
		c.cancel()
	}
	c.top = nil
	if c != c.engine.root {
		c.engine.forget(c)
	}
}

// Released reports whether Release has been called.
func (c *Context) Released() bool {
	return c.released
}

func printer(out engine.Sink) lua.LGFunction {
	return func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, n)
		for i := 1; i <= n; i++ {
			parts[i-1] = L.ToStringMeta(L.Get(i)).String()
		}
		out(strings.Join(parts, "\t"))
		return 0
	}
}

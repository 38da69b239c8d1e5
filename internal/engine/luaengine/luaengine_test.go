package luaengine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EternityForest/Acorns/internal/engine"
)

type countingHost struct {
	mu     sync.Mutex
	yields int
}

func (h *countingHost) Yield() {
	h.mu.Lock()
	h.yields++
	h.mu.Unlock()
}

func (h *countingHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.yields
}

type capture struct {
	mu    sync.Mutex
	lines []string
}

func (c *capture) sink(msg string) {
	c.mu.Lock()
	c.lines = append(c.lines, msg)
	c.mu.Unlock()
}

func (c *capture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func newChild(t *testing.T, e *Engine, name string, out engine.Sink) engine.Context {
	t.Helper()
	ctx, err := e.NewChild(e.Root(), name, out)
	if err != nil {
		t.Fatalf("NewChild failed: %v", err)
	}
	return ctx
}

func TestContext_CompileAndInvoke(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	c := newChild(t, e, "p1", nil)
	if err := c.Compile([]byte("return 2")); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	res, err := c.InvokeTop(context.Background())
	if err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	if res != float64(2) {
		t.Errorf("expected 2, got %v (%T)", res, res)
	}
}

func TestContext_CompileError(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	c := newChild(t, e, "bad", nil)
	err := c.Compile([]byte("return +"))
	var cerr *engine.CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if cerr.Name != "bad" {
		t.Errorf("expected name 'bad', got %q", cerr.Name)
	}
}

func TestContext_RuntimeError(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	c := newChild(t, e, "boom", nil)
	if err := c.Compile([]byte(`error("kaboom")`)); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	_, err := c.InvokeTop(context.Background())
	var rerr *engine.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if !strings.Contains(rerr.Message, "kaboom") {
		t.Errorf("expected message to mention kaboom, got %q", rerr.Message)
	}
}

func TestContext_ScopeDelegatesToParent(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	if err := e.Root().Set("shared", 40); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	a := newChild(t, e, "a", nil)
	b := newChild(t, e, "b", nil)

	if err := a.Compile([]byte("private = 1; return shared + 2")); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	res, err := a.InvokeTop(context.Background())
	if err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	if res != float64(42) {
		t.Errorf("expected 42, got %v", res)
	}

	if err := b.Compile([]byte("return private")); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	res, err = b.InvokeTop(context.Background())
	if err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	if res != nil {
		t.Errorf("program b should not see a's globals, got %v", res)
	}

	if got := e.Root().(*Context).Get("private"); got != nil {
		t.Errorf("root should not see a's globals, got %v", got)
	}
}

func TestContext_PrintGoesToSink(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	out := &capture{}
	c := newChild(t, e, "printer", out.sink)
	if err := c.Compile([]byte(`print("hello", 5)`)); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, err := c.InvokeTop(context.Background()); err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}

	lines := out.all()
	if len(lines) != 1 || lines[0] != "hello\t5" {
		t.Errorf("unexpected output %q", lines)
	}
}

func TestContext_CancelAbortsRun(t *testing.T) {
	host := &countingHost{}
	e := New(host, Options{CheckpointInterval: 100})
	defer e.Close()

	c := newChild(t, e, "spin", nil)
	if err := c.Compile([]byte("while true do end")); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.InvokeTop(ctx)
	if err == nil {
		t.Fatal("expected run to be aborted")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded cause, got %v", err)
	}
	if host.count() == 0 {
		t.Error("expected the run to pass through yield checkpoints")
	}
}

func TestContext_CoroutinesReachCheckpoints(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"wrap", "coroutine.wrap(function() while true do end end)()"},
		{"resume", "local co = coroutine.create(function() while true do end end)\nreturn coroutine.resume(co)"},
		{"nested", "coroutine.wrap(function() coroutine.wrap(function() while true do end end)() end)()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &countingHost{}
			e := New(host, Options{CheckpointInterval: 100})
			defer e.Close()

			c := newChild(t, e, tt.name, nil)
			if err := c.Compile([]byte(tt.src)); err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			if _, err := c.InvokeTop(ctx); err == nil {
				t.Fatal("expected run to be aborted")
			}
			if host.count() == 0 {
				t.Error("a loop inside a coroutine must pass through yield checkpoints")
			}
		})
	}
}

func TestContext_CoroutinesStillWork(t *testing.T) {
	e := New(&countingHost{}, Options{CheckpointInterval: 10})
	defer e.Close()

	c := newChild(t, e, "gen", nil)
	src := `
local gen = coroutine.wrap(function()
	for i = 1, 3 do coroutine.yield(i) end
end)
local co = coroutine.create(function(a) local b = coroutine.yield(a + 1) return b * 2 end)
local _, x = coroutine.resume(co, 1)
local _, y = coroutine.resume(co, 5)
return gen() + gen() + gen() + x + y
`
	if err := c.Compile([]byte(src)); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	res, err := c.InvokeTop(context.Background())
	if err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	// 1+2+3 from the generator, 2 and 10 from the resumed coroutine.
	if res != float64(18) {
		t.Errorf("expected 18, got %v", res)
	}
}

func TestContext_HostFunctions(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	c := newChild(t, e, "caller", nil)

	var seen engine.Context
	err := e.Root().Set("add", engine.Function(func(call engine.Call) (any, error) {
		seen = call.Context
		a, _ := call.Args[0].(float64)
		b, _ := call.Args[1].(float64)
		return a + b, nil
	}))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := e.Root().Set("fail", engine.Function(func(engine.Call) (any, error) {
		return nil, errors.New("host said no")
	})); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := c.Compile([]byte("return add(40, 2)")); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	res, err := c.InvokeTop(context.Background())
	if err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	if res != float64(42) {
		t.Errorf("expected 42, got %v", res)
	}
	if seen != c {
		t.Error("host function should see the calling context")
	}

	if err := c.Compile([]byte("fail()")); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, err := c.InvokeTop(context.Background()); err == nil || !strings.Contains(err.Error(), "host said no") {
		t.Errorf("expected host error to surface, got %v", err)
	}
}

func TestContext_CallCallable(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	c := newChild(t, e, "cb", nil)

	var captured engine.Callable
	if err := e.Root().Set("keep", engine.Function(func(call engine.Call) (any, error) {
		cb, ok := call.Args[0].(engine.Callable)
		if !ok {
			return nil, errors.New("not callable")
		}
		captured = cb
		return nil, nil
	})); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	src := `
		counter = 0
		keep(function(n) counter = counter + n; return counter end)
	`
	if err := c.Compile([]byte(src)); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, err := c.InvokeTop(context.Background()); err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	if captured == nil || captured.Kind() != engine.KindClosure {
		t.Fatalf("expected a closure to be captured, got %v", captured)
	}

	for i := 1; i <= 2; i++ {
		res, err := c.Call(context.Background(), captured, 5)
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if res != float64(5*i) {
			t.Errorf("call %d: expected %d, got %v", i, 5*i, res)
		}
	}
}

func TestContext_CallableKinds(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	c := newChild(t, e, "kinds", nil).(*Context)
	src := `
		plain = {}
		inst = setmetatable({}, {__call = function(self, x) return x end})
	`
	if err := c.Compile([]byte(src)); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, err := c.InvokeTop(context.Background()); err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}

	if _, ok := c.Get("plain").(engine.Callable); ok {
		t.Error("plain table should not be callable")
	}
	inst, ok := c.Get("inst").(engine.Callable)
	if !ok {
		t.Fatal("table with __call should be callable")
	}
	if inst.Kind() != engine.KindInstance {
		t.Errorf("expected instance kind, got %s", inst.Kind())
	}
	res, err := c.Call(context.Background(), inst, "x")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res != "x" {
		t.Errorf("expected x, got %v", res)
	}
	if _, ok := c.Get("print").(engine.Callable); !ok {
		t.Error("builtin print should be callable")
	}
}

type handle struct {
	cancelled bool
}

func (h *handle) Methods() map[string]engine.Function {
	return map[string]engine.Function{
		"cancel": func(engine.Call) (any, error) {
			h.cancelled = true
			return true, nil
		},
	}
}

func TestContext_ObjectMethods(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	h := &handle{}
	c := newChild(t, e, "obj", nil)
	if err := c.Set("h", h); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Compile([]byte("return h:cancel()")); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	res, err := c.InvokeTop(context.Background())
	if err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	if res != true || !h.cancelled {
		t.Errorf("expected cancel to run, got res=%v cancelled=%v", res, h.cancelled)
	}
}

func TestContext_TableConversion(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	c := newChild(t, e, "tables", nil)
	if err := c.Compile([]byte(`return {1, "two", {k = true}}`)); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	res, err := c.InvokeTop(context.Background())
	if err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	list, ok := res.([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("expected 3-element list, got %#v", res)
	}
	if list[0] != float64(1) || list[1] != "two" {
		t.Errorf("unexpected list contents %#v", list)
	}
	m, ok := list[2].(map[string]any)
	if !ok || m["k"] != true {
		t.Errorf("expected nested map with k=true, got %#v", list[2])
	}
}

func TestContext_Release(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	c := newChild(t, e, "gone", nil)
	c.Release()
	c.Release()

	if err := c.Compile([]byte("return 1")); !errors.Is(err, engine.ErrReleased) {
		t.Errorf("expected ErrReleased from Compile, got %v", err)
	}
	if _, err := c.InvokeTop(context.Background()); !errors.Is(err, engine.ErrReleased) {
		t.Errorf("expected ErrReleased from InvokeTop, got %v", err)
	}
	if _, err := e.NewChild(c, "child", nil); !errors.Is(err, engine.ErrReleased) {
		t.Errorf("expected ErrReleased creating a child of a released context, got %v", err)
	}
}

func TestEngine_NestedChildren(t *testing.T) {
	e := New(nil, Options{})
	defer e.Close()

	parent := newChild(t, e, "parent", nil)
	if err := parent.Set("fromParent", "hi"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	child, err := e.NewChild(parent, "child", nil)
	if err != nil {
		t.Fatalf("NewChild failed: %v", err)
	}
	if err := child.Compile([]byte("return fromParent")); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	res, err := child.InvokeTop(context.Background())
	if err != nil {
		t.Fatalf("InvokeTop failed: %v", err)
	}
	if res != "hi" {
		t.Errorf("expected child to see parent's binding, got %v", res)
	}
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EternityForest/Acorns/internal/engine"
)

// installBuiltins binds the host functions every program sees through the
// root scope. Lock held.
func (m *Manager) installBuiltins() error {
	builtins := map[string]engine.Function{
		"random":    m.builtinRandom,
		"sleep":     m.builtinSleep,
		"yield":     m.builtinYield,
		"import":    m.builtinImport,
		"subscribe": m.builtinSubscribe,
	}
	root := m.reg.Root().Context()
	for name, fn := range builtins {
		if err := root.Set(name, fn); err != nil {
			return fmt.Errorf("builtin %s: %w", name, err)
		}
	}
	return nil
}

// random(max) returns an integer in [0, max); random(min, max) one in
// [min, max).
func (m *Manager) builtinRandom(call engine.Call) (any, error) {
	switch len(call.Args) {
	case 1:
		hi, ok := number(call.Args[0])
		if !ok {
			return nil, errors.New("random: max must be a number")
		}
		return m.random.Intn(int64(hi)), nil
	case 2:
		lo, ok1 := number(call.Args[0])
		hi, ok2 := number(call.Args[1])
		if !ok1 || !ok2 {
			return nil, errors.New("random: bounds must be numbers")
		}
		return m.random.Range(int64(lo), int64(hi)), nil
	default:
		return nil, errors.New("random takes one or two arguments")
	}
}

// sleep(ms) blocks the calling program without holding the lock. The
// program stays busy, so it cannot be closed underneath the sleep, but a
// cancel ends the sleep early.
func (m *Manager) builtinSleep(call engine.Call) (any, error) {
	ms := 0.0
	if len(call.Args) > 0 {
		v, ok := number(call.Args[0])
		if !ok {
			return nil, errors.New("sleep: duration must be a number of milliseconds")
		}
		ms = v
	}
	ctx := runContextOf(call.Context)
	var err error
	m.lock.Unlocked(func() {
		timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return nil, err
}

// yield() lets other programs run before continuing.
func (m *Manager) builtinYield(engine.Call) (any, error) {
	m.lock.Yield()
	return nil, nil
}

// import(name) returns the module called name, loading it on first use.
func (m *Manager) builtinImport(call engine.Call) (any, error) {
	if len(call.Args) != 1 {
		return nil, errors.New("import takes exactly one parameter")
	}
	name, ok := call.Args[0].(string)
	if !ok {
		return nil, errors.New("import: name must be a string")
	}
	return m.modules.Import(runContextOf(call.Context), m.engine, call.Context, name)
}

// subscribe(topic, fn) calls fn with the emitted values whenever Go code
// emits on topic. It returns a handle with cancel(), active() and id().
func (m *Manager) builtinSubscribe(call engine.Call) (any, error) {
	if len(call.Args) != 2 {
		return nil, errors.New("subscribe takes a topic and a function")
	}
	topic, ok := call.Args[0].(string)
	if !ok {
		return nil, errors.New("subscribe: topic must be a string")
	}
	owner := ownerOf(call.Context)
	if owner == nil {
		return nil, errors.New("subscribe: no program owns this scope")
	}
	sub, err := m.hub.SubscribeLocked(owner, topic, call.Args[1])
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

func runContextOf(c engine.Context) context.Context {
	if p := ownerOf(c); p != nil && p.RunContext() != nil {
		return p.RunContext()
	}
	return context.Background()
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

package luaengine

import (
	"fmt"

	"github.com/EternityForest/Acorns/internal/engine"
	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds table conversion so cyclic tables terminate.
const maxDepth = 16

// callable is a Lua value that can be invoked later. It holds a strong
// reference, so the function outlives the scope that created it.
type callable struct {
	value lua.LValue
	kind  engine.CallableKind
}

func (c *callable) Kind() engine.CallableKind {
	return c.kind
}

func (c *callable) String() string {
	return fmt.Sprintf("%s callable", c.kind)
}

// toGo converts a Lua value into the Go shape host functions see.
func (e *Engine) toGo(L *lua.LState, lv lua.LValue, depth int) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LFunction:
		kind := engine.KindClosure
		if v.IsG {
			kind = engine.KindNative
		}
		return &callable{value: v, kind: kind}
	case *lua.LUserData:
		if obj, ok := v.Value.(engine.Object); ok {
			return obj
		}
		if L.GetMetaField(v, "__call") != lua.LNil {
			return &callable{value: v, kind: engine.KindUserData}
		}
		return engine.Opaque{Type: "userdata", Repr: v.String()}
	case *lua.LTable:
		if L.GetMetaField(v, "__call") != lua.LNil {
			return &callable{value: v, kind: engine.KindInstance}
		}
		if depth >= maxDepth {
			return engine.Opaque{Type: "table", Repr: v.String()}
		}
		return e.tableToGo(L, v, depth+1)
	default:
		return engine.Opaque{Type: lv.Type().String(), Repr: lv.String()}
	}
}

// tableToGo returns a []any for sequences and a map[string]any otherwise.
func (e *Engine) tableToGo(L *lua.LState, t *lua.LTable, depth int) any {
	n := t.MaxN()
	isSeq := n > 0
	if isSeq {
		t.ForEach(func(k, _ lua.LValue) {
			if num, ok := k.(lua.LNumber); !ok || float64(num) < 1 || float64(num) > float64(n) {
				isSeq = false
			}
		})
	}
	if isSeq {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			out[i-1] = e.toGo(L, t.RawGetInt(i), depth)
		}
		return out
	}

	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[lua.LVAsString(L.ToStringMeta(k))] = e.toGo(L, v, depth)
	})
	return out
}

// toLua converts a Go value into a Lua value on L.
func (e *Engine) toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case *callable:
		return val.value
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(string(val))
	case engine.Function:
		return e.wrapFunction(L, val)
	case func(engine.Call) (any, error):
		return e.wrapFunction(L, val)
	case engine.Object:
		return e.wrapObject(L, val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, e.toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, e.toLua(L, item))
		}
		return t
	case error:
		return lua.LString(val.Error())
	case fmt.Stringer:
		return lua.LString(val.String())
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// wrapFunction exposes a host Function to Lua. Errors are raised as Lua
// errors in the calling script.
func (e *Engine) wrapFunction(L *lua.LState, fn engine.Function) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		args := make([]any, n)
		for i := 1; i <= n; i++ {
			args[i-1] = e.toGo(L, L.Get(i), 0)
		}
		res, err := fn(engine.Call{Context: e.contextFor(L), Args: args})
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(e.toLua(L, res))
		return 1
	})
}

// wrapObject exposes a host Object as userdata with its methods reachable
// through method-call syntax (handle:method()).
func (e *Engine) wrapObject(L *lua.LState, obj engine.Object) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = obj

	methods := L.NewTable()
	for name, fn := range obj.Methods() {
		method := fn
		methods.RawSetString(name, L.NewFunction(func(L *lua.LState) int {
			n := L.GetTop()
			args := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arg := L.Get(i)
				if i == 1 && arg == ud {
					continue
				}
				args = append(args, e.toGo(L, arg, 0))
			}
			res, err := method(engine.Call{Context: e.contextFor(L), Args: args})
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(e.toLua(L, res))
			return 1
		}))
	}

	meta := L.NewTable()
	meta.RawSetString("__index", methods)
	L.SetMetatable(ud, meta)
	return ud
}

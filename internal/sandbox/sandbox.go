// Package sandbox executes author-supplied script snippets inside a bounded
// Lua interpreter. Scripts get a mutable handle plus a narrow read-only api;
// any failure leaves the pre-execution values untouched.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Host is the whole capability surface reachable from a script.
type Host interface {
	QueueLength(ctx context.Context) (int64, error)
	QueuePosition(ctx context.Context) (int64, error)
	AnyOperatorReady(ctx context.Context) (bool, error)
	MaxQueueLength(ctx context.Context) (int64, error)
}

type In struct {
	Data           map[string]any
	Input          string
	Answer         string
	AssignOperator bool
}

type Out struct {
	Data           map[string]any
	Answer         string
	AssignOperator bool
}

type Runner struct {
	timeout         time.Duration
	registryMaxSize int
	callStackSize   int
}

func NewRunner(timeout time.Duration, registryMaxSize, callStackSize int) *Runner {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	if registryMaxSize <= 0 {
		registryMaxSize = 1024 * 64
	}
	if callStackSize <= 0 {
		callStackSize = 120
	}
	return &Runner{
		timeout:         timeout,
		registryMaxSize: registryMaxSize,
		callStackSize:   callStackSize,
	}
}

// Run executes the snippet and returns the merged result. Script errors,
// timeouts, interpreter resource exhaustion, and shape mismatches all fall
// back to the input values; nothing propagates to the caller.
func (r *Runner) Run(ctx context.Context, script string, in In, host Host) Out {
	unchanged := Out{Data: in.Data, Answer: in.Answer, AssignOperator: in.AssignOperator}
	if strings.TrimSpace(script) == "" {
		return unchanged
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		RegistrySize:    1024 * 8,
		RegistryMaxSize: r.registryMaxSize,
		CallStackSize:   r.callStackSize,
	})
	defer L.Close()
	if err := openSafeLibs(L); err != nil {
		return unchanged
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	L.SetContext(runCtx)

	L.SetGlobal("handle", buildHandle(L, in))
	L.SetGlobal("api", buildAPI(L, runCtx, host))

	if err := safeDo(L, script); err != nil {
		return unchanged
	}

	out, err := readHandle(L)
	if err != nil {
		return unchanged
	}
	return out
}

// openSafeLibs loads only side-effect-free libraries; os, io, and debug
// never reach the script.
func openSafeLibs(L *lua.LState) error {
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(pair.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(pair.name)); err != nil {
			return err
		}
	}
	return nil
}

func safeDo(L *lua.LState, script string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()
	return L.DoString(script)
}

func buildHandle(L *lua.LState, in In) *lua.LTable {
	contextTbl := L.NewTable()
	if in.Data != nil {
		contextTbl.RawSetString("data", mapToTable(L, in.Data))
	}

	handle := L.NewTable()
	handle.RawSetString("context", contextTbl)
	handle.RawSetString("input", lua.LString(in.Input))
	handle.RawSetString("answer", lua.LString(in.Answer))
	handle.RawSetString("assign_operator", lua.LBool(in.AssignOperator))
	return handle
}

func buildAPI(L *lua.LState, ctx context.Context, host Host) *lua.LTable {
	api := L.NewTable()
	api.RawSetString("queue_length", L.NewFunction(func(L *lua.LState) int {
		n, err := host.QueueLength(ctx)
		if err != nil {
			L.RaiseError("queue_length: %v", err)
			return 0
		}
		L.Push(lua.LNumber(n))
		return 1
	}))
	api.RawSetString("queue_position", L.NewFunction(func(L *lua.LState) int {
		n, err := host.QueuePosition(ctx)
		if err != nil {
			L.RaiseError("queue_position: %v", err)
			return 0
		}
		L.Push(lua.LNumber(n))
		return 1
	}))
	api.RawSetString("any_operator_ready", L.NewFunction(func(L *lua.LState) int {
		ready, err := host.AnyOperatorReady(ctx)
		if err != nil {
			L.RaiseError("any_operator_ready: %v", err)
			return 0
		}
		L.Push(lua.LBool(ready))
		return 1
	}))
	api.RawSetString("max_queue_length", L.NewFunction(func(L *lua.LState) int {
		n, err := host.MaxQueueLength(ctx)
		if err != nil {
			L.RaiseError("max_queue_length: %v", err)
			return 0
		}
		L.Push(lua.LNumber(n))
		return 1
	}))
	return api
}

// readHandle validates the post-execution handle shape. Only answer,
// assign_operator, and context.data are importable; anything malformed
// fails the whole merge.
func readHandle(L *lua.LState) (Out, error) {
	handleVal := L.GetGlobal("handle")
	handle, ok := handleVal.(*lua.LTable)
	if !ok {
		return Out{}, fmt.Errorf("handle is no longer a table")
	}

	answerVal := handle.RawGetString("answer")
	answer, ok := answerVal.(lua.LString)
	if !ok {
		return Out{}, fmt.Errorf("handle.answer is not a string")
	}

	assignVal := handle.RawGetString("assign_operator")
	assign, ok := assignVal.(lua.LBool)
	if !ok {
		return Out{}, fmt.Errorf("handle.assign_operator is not a boolean")
	}

	var data map[string]any
	contextVal := handle.RawGetString("context")
	if contextTbl, ok := contextVal.(*lua.LTable); ok {
		dataVal := contextTbl.RawGetString("data")
		switch typed := dataVal.(type) {
		case *lua.LNilType:
		case *lua.LTable:
			decoded, err := tableToMap(typed, 0)
			if err != nil {
				return Out{}, err
			}
			data = decoded
		default:
			return Out{}, fmt.Errorf("handle.context.data is not a table")
		}
	} else {
		return Out{}, fmt.Errorf("handle.context is not a table")
	}

	return Out{
		Data:           data,
		Answer:         string(answer),
		AssignOperator: bool(assign),
	}, nil
}

const maxDataDepth = 8

func mapToTable(L *lua.LState, data map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for key, value := range data {
		tbl.RawSetString(key, valueToLua(L, value, 0))
	}
	return tbl
}

func valueToLua(L *lua.LState, value any, depth int) lua.LValue {
	if depth > maxDataDepth {
		return lua.LNil
	}
	switch typed := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(typed)
	case string:
		return lua.LString(typed)
	case int:
		return lua.LNumber(typed)
	case int64:
		return lua.LNumber(typed)
	case float64:
		return lua.LNumber(typed)
	case map[string]any:
		tbl := L.NewTable()
		for key, nested := range typed {
			tbl.RawSetString(key, valueToLua(L, nested, depth+1))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, item := range typed {
			tbl.Append(valueToLua(L, item, depth+1))
		}
		return tbl
	default:
		return lua.LNil
	}
}

func tableToMap(tbl *lua.LTable, depth int) (map[string]any, error) {
	if depth > maxDataDepth {
		return nil, fmt.Errorf("context.data nests deeper than %d levels", maxDataDepth)
	}
	result := map[string]any{}
	var convErr error
	tbl.ForEach(func(key, value lua.LValue) {
		if convErr != nil {
			return
		}
		keyStr, ok := key.(lua.LString)
		if !ok {
			convErr = fmt.Errorf("context.data has a non-string key %s", key.Type())
			return
		}
		decoded, err := luaToValue(value, depth)
		if err != nil {
			convErr = err
			return
		}
		result[string(keyStr)] = decoded
	})
	if convErr != nil {
		return nil, convErr
	}
	return result, nil
}

func luaToValue(value lua.LValue, depth int) (any, error) {
	switch typed := value.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(typed), nil
	case lua.LString:
		return string(typed), nil
	case lua.LNumber:
		return float64(typed), nil
	case *lua.LTable:
		return tableToMap(typed, depth+1)
	default:
		return nil, fmt.Errorf("context.data holds unsupported value type %s", value.Type())
	}
}

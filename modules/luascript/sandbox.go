package luascript

import (
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// newSandbox opens only the base, string, table and math libraries and
// strips the base functions that reach the file system.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		RegistrySize:    256,
		RegistryMaxSize: 4096,
	})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{"base", lua.OpenBase},
		{"string", lua.OpenString},
		{"table", lua.OpenTable},
		{"math", lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func run(ctx context.Context, timeout time.Duration, code, chunkName string, globals map[string]map[string]string) (string, error) {
	L := newSandbox()
	defer L.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	L.SetContext(ctx)

	for name, values := range globals {
		tbl := L.NewTable()
		for k, v := range values {
			tbl.RawSetString(k, lua.LString(v))
		}
		L.SetGlobal(name, tbl)
	}

	fn, err := L.Load(strings.NewReader(code), chunkName)
	if err != nil {
		return "", err
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return "", err
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		return v.String(), nil
	case *lua.LNilType:
		return "", fmt.Errorf("script returned nothing")
	default:
		return "", fmt.Errorf("script returned a %s, want a string", ret.Type())
	}
}

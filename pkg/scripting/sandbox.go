package scripting

import (
	"fmt"

	"github.com/lexlapax/neurovault/pkg/log"
	lua "github.com/yuin/gopher-lua"
)

// safeLibs are the only standard libraries opened in a sandboxed state.
var safeLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// unsafeGlobals are removed even from the base library.
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"}

// setupSandbox opens the safe libraries into a state created with SkipOpenLibs.
func setupSandbox(L *lua.LState) error {
	for _, lib := range safeLibs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("failed to open lua library %s: %w", lib.name, err)
		}
	}
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

// safePrint sends Lua's print to the structured logger.
func safePrint(L *lua.LState) int {
	top := L.GetTop()
	args := make([]interface{}, top)
	for i := 1; i <= top; i++ {
		args[i-1] = convertLuaToGo(L.Get(i))
	}
	log.Debug("Lua print", "args", args)
	return 0
}

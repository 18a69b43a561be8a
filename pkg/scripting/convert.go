package scripting

import (
	"fmt"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// convertLuaToGo maps Lua values to Go. Tables whose keys are exactly
// 1..n become []interface{}, all other tables become map[string]interface{}.
// Numbers are always float64.
func convertLuaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.MaxN()
		count := 0
		val.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			arr := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, convertLuaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]interface{}, count)
		val.ForEach(func(k, v lua.LValue) {
			m[k.String()] = convertLuaToGo(v)
		})
		return m
	default:
		return v.String()
	}
}

// convertGoToLua maps Go values to Lua. Map keys are visited in sorted
// order so table construction is deterministic.
func convertGoToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		return lua.LNumber(val.Unix())
	case []string:
		t := L.CreateTable(len(val), 0)
		for _, s := range val {
			t.Append(lua.LString(s))
		}
		return t
	case []interface{}:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(convertGoToLua(L, item))
		}
		return t
	case []map[string]interface{}:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(convertGoToLua(L, item))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(val))
		for _, k := range sortedKeys(val) {
			t.RawSetString(k, lua.LString(val[k]))
		}
		return t
	case map[string]interface{}:
		t := L.CreateTable(0, len(val))
		for _, k := range sortedKeys(val) {
			t.RawSetString(k, convertGoToLua(L, val[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package scripting

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/neurovault/pkg/log"
	lua "github.com/yuin/gopher-lua"
)

// registerAPIFunctions exposes the vault table to scripts.
func registerAPIFunctions(L *lua.LState) {
	vault := L.NewTable()
	L.SetField(vault, "log", L.NewFunction(apiLog))
	L.SetField(vault, "now", L.NewFunction(apiNow))
	L.SetField(vault, "format_time", L.NewFunction(apiFormatTime))
	L.SetField(vault, "uuid", L.NewFunction(apiUUID))
	L.SetField(vault, "json_encode", L.NewFunction(apiJSONEncode))
	L.SetField(vault, "json_decode", L.NewFunction(apiJSONDecode))
	L.SetGlobal("vault", vault)
}

// apiLog logs a message: vault.log(level, message)
func apiLog(L *lua.LState) int {
	level := L.CheckString(1)
	message := L.CheckString(2)

	switch level {
	case "debug":
		log.Debug("Lua script message", "message", message)
	case "warn", "warning":
		log.Warn("Lua script message", "message", message)
	case "error":
		log.Error("Lua script message", "message", message)
	default:
		log.Info("Lua script message", "message", message)
	}
	return 0
}

// apiNow returns the current time as a Unix timestamp
func apiNow(L *lua.LState) int {
	L.Push(lua.LNumber(time.Now().Unix()))
	return 1
}

// apiFormatTime formats a Unix timestamp in UTC, RFC 3339 by default
func apiFormatTime(L *lua.LState) int {
	timestamp := L.CheckNumber(1)
	format := L.OptString(2, time.RFC3339)
	L.Push(lua.LString(time.Unix(int64(timestamp), 0).UTC().Format(format)))
	return 1
}

func apiUUID(L *lua.LState) int {
	L.Push(lua.LString(uuid.New().String()))
	return 1
}

func apiJSONEncode(L *lua.LState) int {
	data, err := json.Marshal(convertLuaToGo(L.CheckAny(1)))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

func apiJSONDecode(L *lua.LState) int {
	var v interface{}
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(convertGoToLua(L, v))
	return 1
}

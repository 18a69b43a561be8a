package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	lua "github.com/yuin/gopher-lua"
)

// LuaEngine is an Engine backed by a single gopher-lua state. Calls are
// serialised because an LState is not safe for concurrent use.
type LuaEngine struct {
	mu      sync.Mutex
	L       *lua.LState
	config  Config
	scripts []string
	closed  bool
}

var _ Engine = (*LuaEngine)(nil)

// NewLuaEngine creates a Lua state configured by config.
func NewLuaEngine(config Config) (*LuaEngine, error) {
	if config.ScriptTimeoutMs <= 0 {
		config.ScriptTimeoutMs = DefaultConfig().ScriptTimeoutMs
	}

	opts := lua.Options{
		SkipOpenLibs:    config.EnableSandboxing,
		CallStackSize:   config.CallStackSize,
		RegistryMaxSize: config.RegistryMaxSize,
	}
	if config.RegistryMaxSize > 0 {
		opts.RegistrySize = 1024 * 20
		if opts.RegistrySize > config.RegistryMaxSize {
			opts.RegistrySize = config.RegistryMaxSize
		}
		opts.RegistryGrowStep = 32
	}
	L := lua.NewState(opts)

	if config.EnableSandboxing {
		if err := setupSandbox(L); err != nil {
			L.Close()
			return nil, err
		}
	}
	L.SetGlobal("print", L.NewFunction(safePrint))
	registerAPIFunctions(L)

	log.Debug("Created Lua engine",
		"sandboxed", config.EnableSandboxing,
		"timeout_ms", config.ScriptTimeoutMs)
	return &LuaEngine{L: L, config: config}, nil
}

// LoadScript runs content once so that its global functions are defined.
func (e *LuaEngine) LoadScript(name string, content []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Wrap(ErrLuaExecution, "engine is closed")
	}

	fn, err := e.L.Load(strings.NewReader(string(content)), name)
	if err != nil {
		return errors.Wrap(ErrLuaExecution, "failed to compile script %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout())
	defer cancel()
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	e.L.Push(fn)
	if err := e.L.PCall(0, lua.MultRet, nil); err != nil {
		return errors.Wrap(ErrLuaExecution, "failed to run script %s: %v", name, err)
	}
	e.L.SetTop(0)

	e.scripts = append(e.scripts, name)
	log.Debug("Loaded Lua script", "name", name, "size", len(content))
	return nil
}

// LoadScriptFile loads a script named after the file's base name.
func (e *LuaEngine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.LoadScript(filepath.Base(path), content)
}

// LoadScriptDir loads every *.lua file in dir, sorted by name.
func (e *LuaEngine) LoadScriptDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read script directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".lua") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.LoadScriptFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// HasFunction implements Engine.
func (e *LuaEngine) HasFunction(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	_, ok := e.L.GetGlobal(name).(*lua.LFunction)
	return ok
}

// ExecuteFunction implements Engine. The call is aborted when ctx ends or
// the configured script timeout passes, whichever is first. While it runs
// the global ctx holds the caller's deadline as a Unix timestamp.
func (e *LuaEngine) ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Wrap(ErrLuaExecution, "engine is closed")
	}

	fn, ok := e.L.GetGlobal(funcName).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, funcName)
	}

	ctxTable := e.L.NewTable()
	if deadline, ok := ctx.Deadline(); ok {
		ctxTable.RawSetString("deadline", lua.LNumber(deadline.Unix()))
	}
	e.L.SetGlobal("ctx", ctxTable)
	defer e.L.SetGlobal("ctx", lua.LNil)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	e.L.SetContext(runCtx)
	defer e.L.RemoveContext()

	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = convertGoToLua(e.L, arg)
	}

	start := time.Now()
	if err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...); err != nil {
		e.L.SetTop(0)
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return nil, errors.Mark(fmt.Errorf("lua function %s aborted: %w", funcName, ctxErr), ErrLuaExecution)
		}
		return nil, errors.Wrap(ErrLuaExecution, "lua function %s failed: %v", funcName, err)
	}

	ret := e.L.Get(-1)
	e.L.Pop(1)
	log.Debug("Executed Lua function", "function", funcName, "duration", time.Since(start))
	return convertLuaToGo(ret), nil
}

// Scripts lists loaded script names in load order.
func (e *LuaEngine) Scripts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.scripts...)
}

// Close implements Engine.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		e.L.Close()
	}
	return nil
}

func (e *LuaEngine) timeout() time.Duration {
	return time.Duration(e.config.ScriptTimeoutMs) * time.Millisecond
}

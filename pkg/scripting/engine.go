// Package scripting runs user-supplied Lua in a sandboxed gopher-lua state.
// Scripts customise behaviour such as how episodes are summarised during
// consolidation.
package scripting

import (
	"context"

	"github.com/lexlapax/neurovault/pkg/errors"
)

var (
	// ErrFunctionNotFound is returned when a called global is not a Lua function
	ErrFunctionNotFound = errors.ErrFunctionNotFound
	// ErrLuaExecution is returned when a script fails to load or run
	ErrLuaExecution = errors.ErrLuaExecution
)

// Engine is the interface for the Lua scripting engine.
type Engine interface {
	// LoadScript loads a Lua script with the given name and content.
	LoadScript(name string, content []byte) error

	// LoadScriptFile loads a Lua script from a file path.
	LoadScriptFile(path string) error

	// LoadScriptDir loads every *.lua file of a directory in name order.
	LoadScriptDir(dir string) error

	// HasFunction reports whether a global Lua function is defined.
	HasFunction(name string) bool

	// ExecuteFunction calls a global Lua function and returns its first
	// result converted to Go values.
	ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error)

	// Close releases resources associated with the engine.
	Close() error
}

// Config contains configuration options for the scripting engine.
type Config struct {
	// EnableSandboxing leaves out os, io, package and the loaders
	EnableSandboxing bool `yaml:"enable_sandboxing"`

	// ScriptTimeoutMs bounds a single ExecuteFunction call
	ScriptTimeoutMs int `yaml:"script_timeout_ms"`

	// CallStackSize limits recursion depth
	CallStackSize int `yaml:"call_stack_size"`

	// RegistryMaxSize caps the Lua value stack; 0 keeps it fixed at the initial size
	RegistryMaxSize int `yaml:"registry_max_size"`
}

// DefaultConfig returns the default configuration for the scripting engine.
func DefaultConfig() Config {
	return Config{
		EnableSandboxing: true,
		ScriptTimeoutMs:  1000,
		CallStackSize:    256,
		RegistryMaxSize:  1024 * 80,
	}
}

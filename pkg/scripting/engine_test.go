package scripting

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLuaEngine_LoadScript(t *testing.T) {
	engine, err := NewLuaEngine(DefaultConfig())
	require.NoError(t, err)
	defer engine.Close()

	// Test loading a valid script
	err = engine.LoadScript("test", []byte(`
		function hello()
			return "Hello, World!"
		end
	`))
	assert.NoError(t, err)

	// Test loading an invalid script
	err = engine.LoadScript("invalid", []byte(`
		function invalid(
			return "This is not valid Lua"
		end
	`))
	assert.Error(t, err)
}

func TestLuaEngine_ExecuteFunction(t *testing.T) {
	engine, err := NewLuaEngine(DefaultConfig())
	require.NoError(t, err)
	defer engine.Close()

	// Load a test script
	err = engine.LoadScript("test", []byte(`
		function hello()
			return "Hello, World!"
		end

		function add(a, b)
			return a + b
		end

		function get_table()
			return {
				name = "test",
				value = 123,
				nested = {
					key = "value"
				}
			}
		end

		function use_args(args)
			return args.name .. " is " .. args.age
		end

		function spin()
			while true do end
		end

		function list()
			return {"a", "b", "c"}
		end

		function count(items)
			return #items
		end

		function fail()
			error("deliberate")
		end
	`))
	require.NoError(t, err)

	// Test calling a function that returns a string
	t.Run("string return", func(t *testing.T) {
		result, err := engine.ExecuteFunction(context.Background(), "hello")
		assert.NoError(t, err)
		assert.Equal(t, "Hello, World!", result)
	})

	// Test calling a function that takes arguments
	t.Run("with arguments", func(t *testing.T) {
		result, err := engine.ExecuteFunction(context.Background(), "add", 5, 3)
		assert.NoError(t, err)
		assert.Equal(t, float64(8), result)
	})

	// Test calling a function that returns a table
	t.Run("table return", func(t *testing.T) {
		result, err := engine.ExecuteFunction(context.Background(), "get_table")
		assert.NoError(t, err)

		// Check that we got a map back
		resultMap, ok := result.(map[string]interface{})
		assert.True(t, ok)
		assert.Equal(t, "test", resultMap["name"])
		assert.Equal(t, float64(123), resultMap["value"])

		// Check nested map
		nestedMap, ok := resultMap["nested"].(map[string]interface{})
		assert.True(t, ok)
		assert.Equal(t, "value", nestedMap["key"])
	})

	// Test calling a function with a map argument
	t.Run("map argument", func(t *testing.T) {
		args := map[string]interface{}{
			"name": "John",
			"age":  30,
		}
		result, err := engine.ExecuteFunction(context.Background(), "use_args", args)
		assert.NoError(t, err)
		assert.Equal(t, "John is 30", result)
	})

	// Test calling a non-existent function
	t.Run("non-existent function", func(t *testing.T) {
		_, err := engine.ExecuteFunction(context.Background(), "nonexistent")
		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrFunctionNotFound)
	})

	t.Run("array round trip", func(t *testing.T) {
		result, err := engine.ExecuteFunction(context.Background(), "list")
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"a", "b", "c"}, result)

		result, err = engine.ExecuteFunction(context.Background(), "count", []string{"x", "y"})
		require.NoError(t, err)
		assert.Equal(t, float64(2), result)
	})

	t.Run("runtime error", func(t *testing.T) {
		_, err := engine.ExecuteFunction(context.Background(), "fail")
		assert.ErrorIs(t, err, ErrLuaExecution)
		assert.Contains(t, err.Error(), "deliberate")
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := engine.ExecuteFunction(ctx, "spin")
		assert.ErrorIs(t, err, ErrLuaExecution)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 900*time.Millisecond)

		// The state is still usable afterwards.
		result, err := engine.ExecuteFunction(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, "Hello, World!", result)
	})
}

func TestLuaEngine_ScriptTimeout(t *testing.T) {
	engine, err := NewLuaEngine(Config{EnableSandboxing: true, ScriptTimeoutMs: 30})
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, engine.LoadScript("spin", []byte(`function spin() while true do end end`)))
	_, err = engine.ExecuteFunction(context.Background(), "spin")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLuaEngine_HasFunctionAndClose(t *testing.T) {
	engine, err := NewLuaEngine(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, engine.LoadScript("s", []byte(`function present() return 1 end; not_a_function = 3`)))
	assert.True(t, engine.HasFunction("present"))
	assert.False(t, engine.HasFunction("not_a_function"))
	assert.False(t, engine.HasFunction("absent"))
	assert.Equal(t, []string{"s"}, engine.Scripts())

	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
	assert.False(t, engine.HasFunction("present"))
	_, err = engine.ExecuteFunction(context.Background(), "present")
	assert.ErrorIs(t, err, ErrLuaExecution)
}

func TestLuaEngine_Sandboxing(t *testing.T) {
	engine, err := NewLuaEngine(Config{
		EnableSandboxing: true,
		ScriptTimeoutMs:  1000,
	})
	require.NoError(t, err)
	defer engine.Close()

	// Test trying to access os/io modules
	t.Run("sandbox restrictions", func(t *testing.T) {
		// Load a script that tries to access prohibited modules
		err = engine.LoadScript("sandbox_test", []byte(`
			function test_os()
				if os == nil then
					return "os is nil"
				else
					return "os is available"
				end
			end

			function test_io()
				if io == nil then
					return "io is nil"
				else
					return "io is available"
				end
			end

			function test_require()
				if require == nil then
					return "require is nil"
				else
					return "require is available"
				end
			end

			function test_loaders()
				if load == nil and loadstring == nil and dofile == nil then
					return "loaders are nil"
				end
				return "a loader is available"
			end

			function test_string_lib()
				return string.upper("ok") .. math.floor(2.5)
			end
		`))
		require.NoError(t, err)

		// Check that os is nil
		result, err := engine.ExecuteFunction(context.Background(), "test_os")
		assert.NoError(t, err)
		assert.Equal(t, "os is nil", result)

		// Check that io is nil
		result, err = engine.ExecuteFunction(context.Background(), "test_io")
		assert.NoError(t, err)
		assert.Equal(t, "io is nil", result)

		// Check that require is nil
		result, err = engine.ExecuteFunction(context.Background(), "test_require")
		assert.NoError(t, err)
		assert.Equal(t, "require is nil", result)

		result, err = engine.ExecuteFunction(context.Background(), "test_loaders")
		assert.NoError(t, err)
		assert.Equal(t, "loaders are nil", result)

		result, err = engine.ExecuteFunction(context.Background(), "test_string_lib")
		assert.NoError(t, err)
		assert.Equal(t, "OK2", result)
	})
}

func TestLuaEngine_LoadScriptFile(t *testing.T) {
	engine, err := NewLuaEngine(DefaultConfig())
	require.NoError(t, err)
	defer engine.Close()

	tmpDir := t.TempDir()

	// Create a test script file
	scriptPath := filepath.Join(tmpDir, "test.lua")
	scriptContent := []byte(`
		function file_test()
			return "File loaded successfully"
		end
	`)
	err = os.WriteFile(scriptPath, scriptContent, 0600)
	require.NoError(t, err)

	// Load the script file
	err = engine.LoadScriptFile(scriptPath)
	assert.NoError(t, err)

	// Execute the function from the file
	result, err := engine.ExecuteFunction(context.Background(), "file_test")
	assert.NoError(t, err)
	assert.Equal(t, "File loaded successfully", result)
}

func TestLuaEngine_LoadScriptDir(t *testing.T) {
	engine, err := NewLuaEngine(DefaultConfig())
	require.NoError(t, err)
	defer engine.Close()

	tmpDir := t.TempDir()

	// Create multiple script files
	script1Path := filepath.Join(tmpDir, "script1.lua")
	script1Content := []byte(`
		function script1_test()
			return "Script 1"
		end
	`)
	err = os.WriteFile(script1Path, script1Content, 0600)
	require.NoError(t, err)

	script2Path := filepath.Join(tmpDir, "script2.lua")
	script2Content := []byte(`
		function script2_test()
			return "Script 2"
		end
	`)
	err = os.WriteFile(script2Path, script2Content, 0600)
	require.NoError(t, err)

	// Create a non-Lua file that should be ignored
	textPath := filepath.Join(tmpDir, "not_a_script.txt")
	textContent := []byte(`This is not a Lua script`)
	err = os.WriteFile(textPath, textContent, 0600)
	require.NoError(t, err)

	// Load the script directory
	err = engine.LoadScriptDir(tmpDir)
	assert.NoError(t, err)

	// Execute functions from both scripts
	result1, err := engine.ExecuteFunction(context.Background(), "script1_test")
	assert.NoError(t, err)
	assert.Equal(t, "Script 1", result1)

	result2, err := engine.ExecuteFunction(context.Background(), "script2_test")
	assert.NoError(t, err)
	assert.Equal(t, "Script 2", result2)
}

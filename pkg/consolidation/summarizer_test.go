package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/reasoning/adapters/mock"
	"github.com/lexlapax/neurovault/pkg/scripting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sources() []*mem.Record {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	return []*mem.Record{
		{ID: "b", Content: "Switched the editor to dark mode", Timestamp: base.Add(time.Hour), Importance: 7},
		{ID: "a", Content: "  Asked for a dark theme ", Timestamp: base, Importance: 8},
		{ID: "c", Content: "Switched the editor to dark mode", Timestamp: base.Add(2 * time.Hour), Importance: 6},
	}
}

func TestJoinSummarizer(t *testing.T) {
	out, err := JoinSummarizer{}.Summarize(context.Background(), sources())
	require.NoError(t, err)
	assert.Equal(t, "Asked for a dark theme; Switched the editor to dark mode", out)

	out, err = JoinSummarizer{Separator: "\n"}.Summarize(context.Background(), sources()[:1])
	require.NoError(t, err)
	assert.Equal(t, "Switched the editor to dark mode", out)

	_, err = JoinSummarizer{}.Summarize(context.Background(), []*mem.Record{{Content: "  "}})
	assert.ErrorIs(t, err, ErrEmptySummary)
}

func TestEngineSummarizer(t *testing.T) {
	engine := mock.NewMockEngine()
	engine.AddResponse("Asked for a dark theme", "  The user prefers dark mode.  ")

	out, err := EngineSummarizer{Engine: engine}.Summarize(context.Background(), sources())
	require.NoError(t, err)
	assert.Equal(t, "The user prefers dark mode.", out)

	history := engine.GetCallHistory()
	require.Len(t, history, 1)
	prompt := history[0].Args[0].(string)
	assert.Contains(t, prompt, "Episodes:")
	assert.Contains(t, prompt, "[2026-01-01 08:00] ")
	assert.Equal(t, DefaultInstructions, history[0].Args[1])

	custom := EngineSummarizer{Engine: engine, Instructions: "One line, please."}
	_, err = custom.Summarize(context.Background(), sources())
	require.NoError(t, err)
	assert.Equal(t, "One line, please.", engine.GetCallHistory()[1].Args[1])

	engine.SetDefaultResponse(" ")
	_, err = EngineSummarizer{Engine: engine}.Summarize(context.Background(), []*mem.Record{{Content: "other"}})
	assert.ErrorIs(t, err, ErrEmptySummary)

	engine.SetShouldError(true)
	_, err = EngineSummarizer{Engine: engine}.Summarize(context.Background(), sources())
	assert.ErrorIs(t, err, mock.ErrMockEngine)
}

func TestScriptSummarizer(t *testing.T) {
	engine, err := scripting.NewLuaEngine(scripting.DefaultConfig())
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, engine.LoadScript("summarize.lua", []byte(`
		function summarize(contents, records)
			local best = records[1]
			for _, r in ipairs(records) do
				if r.importance > best.importance then
					best = r
				end
			end
			return string.format("%d notes, key: %s", #contents, best.content)
		end

		function bad_summary(contents)
			return 42
		end
	`)))

	out, err := ScriptSummarizer{Engine: engine}.Summarize(context.Background(), sources())
	require.NoError(t, err)
	assert.Equal(t, "3 notes, key: Asked for a dark theme", out)

	_, err = ScriptSummarizer{Engine: engine, Function: "bad_summary"}.Summarize(context.Background(), sources())
	assert.Error(t, err)

	_, err = ScriptSummarizer{Engine: engine, Function: "missing"}.Summarize(context.Background(), sources())
	assert.ErrorIs(t, err, scripting.ErrFunctionNotFound)
}

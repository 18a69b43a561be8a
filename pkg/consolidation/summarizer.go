package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/reasoning"
	"github.com/lexlapax/neurovault/pkg/scripting"
)

// ErrEmptySummary is returned when a summarizer produces no text.
var ErrEmptySummary = errors.New("summarizer returned empty content")

// Summarizer distills one or more episodic records into the content of a
// semantic record.
type Summarizer interface {
	Summarize(ctx context.Context, sources []*mem.Record) (string, error)
}

// JoinSummarizer concatenates the distinct source contents, oldest first.
// It is deterministic and needs no external service.
type JoinSummarizer struct {
	// Separator defaults to "; "
	Separator string
}

// Summarize implements Summarizer.
func (s JoinSummarizer) Summarize(ctx context.Context, sources []*mem.Record) (string, error) {
	sep := s.Separator
	if sep == "" {
		sep = "; "
	}
	ordered := append([]*mem.Record(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	seen := make(map[string]bool, len(ordered))
	parts := make([]string, 0, len(ordered))
	for _, rec := range ordered {
		c := strings.TrimSpace(rec.Content)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		return "", ErrEmptySummary
	}
	return strings.Join(parts, sep), nil
}

// DefaultInstructions tell an EngineSummarizer's engine what to produce.
const DefaultInstructions = `You maintain a user's long-term memory. Distill the episodes you are
given into a single durable statement of fact about the user. Reply with the statement only.`

// EngineSummarizer asks a reasoning engine for the distillation.
type EngineSummarizer struct {
	Engine reasoning.Engine
	// Instructions replace DefaultInstructions when set
	Instructions string
	Options      []reasoning.Option
}

// Summarize implements Summarizer.
func (s EngineSummarizer) Summarize(ctx context.Context, sources []*mem.Record) (string, error) {
	instructions := s.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	var b strings.Builder
	b.WriteString("Episodes:\n")
	for _, rec := range sources {
		fmt.Fprintf(&b, "- [%s] %s\n", rec.Timestamp.UTC().Format("2006-01-02 15:04"), rec.Content)
	}

	opts := append([]reasoning.Option{reasoning.WithSystem(instructions)}, s.Options...)
	out, err := s.Engine.Process(ctx, b.String(), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to summarize with reasoning engine: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptySummary
	}
	return out, nil
}

// DefaultScriptFunction is the Lua function a ScriptSummarizer calls.
const DefaultScriptFunction = "summarize"

// ScriptSummarizer calls a Lua function summarize(contents, records) where
// contents is an array of strings and records an array of tables with the
// fields id, content, importance, access_count, conversation_id and
// timestamp. The function returns the summary string.
type ScriptSummarizer struct {
	Engine   scripting.Engine
	Function string
}

// Summarize implements Summarizer.
func (s ScriptSummarizer) Summarize(ctx context.Context, sources []*mem.Record) (string, error) {
	fn := s.Function
	if fn == "" {
		fn = DefaultScriptFunction
	}

	contents := make([]string, len(sources))
	records := make([]map[string]interface{}, len(sources))
	for i, rec := range sources {
		contents[i] = rec.Content
		records[i] = map[string]interface{}{
			"id":              rec.ID,
			"content":         rec.Content,
			"importance":      rec.Importance,
			"access_count":    rec.AccessCount,
			"conversation_id": rec.ConversationID,
			"timestamp":       rec.Timestamp,
		}
	}

	result, err := s.Engine.ExecuteFunction(ctx, fn, contents, records)
	if err != nil {
		return "", fmt.Errorf("failed to summarize with script: %w", err)
	}
	out, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("script %s returned %T, want string", fn, result)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptySummary
	}
	return out, nil
}

package openai_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/reasoning/adapters/openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveAdapter(t *testing.T) *openai.OpenAIAdapter {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" || testing.Short() {
		t.Skip("Skipping OpenAI integration test. Set OPENAI_API_KEY to run.")
	}
	adapter, err := openai.NewOpenAIAdapter(openai.Config{APIKey: apiKey})
	require.NoError(t, err)
	return adapter
}

func TestIntegration_EmbeddingsRankRelatedText(t *testing.T) {
	adapter := liveAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vecs, err := adapter.GenerateEmbeddings(ctx, []string{
		"The user prefers dark mode in the editor",
		"Switch the IDE theme to a dark palette",
		"Quarterly revenue grew by eight percent",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Greater(t, mem.Cosine(vecs[0], vecs[1]), mem.Cosine(vecs[0], vecs[2]))
}

func TestIntegration_Process(t *testing.T) {
	adapter := liveAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := adapter.Process(ctx, "Reply with the single word: ok")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

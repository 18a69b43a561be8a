package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	nverrors "github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/reasoning/adapters/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEngine(t *testing.T) {
	engine := mock.NewMockEngine(mock.WithDimensions(8))
	p := FromEngine(engine)

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, mock.HashEmbedding("hello", 8), vec)

	engine.SetShouldError(true)
	_, err = p.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, mock.ErrMockEngine)
}

func TestGuard_Success(t *testing.T) {
	g := NewGuard(FromEngine(mock.NewMockEngine(mock.WithDimensions(4))), GuardConfig{Dimensions: 4})
	vec, err := g.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, "closed", g.State())
}

func TestGuard_EmptyTextIsValidation(t *testing.T) {
	g := NewGuard(FromEngine(mock.NewMockEngine()), GuardConfig{})
	_, err := g.Embed(context.Background(), "")
	assert.ErrorIs(t, err, nverrors.ErrValidation)
}

func TestGuard_FailuresAreUnavailable(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		config   GuardConfig
	}{
		{
			name: "provider error",
			provider: ProviderFunc(func(ctx context.Context, text string) ([]float32, error) {
				return nil, errors.New("boom")
			}),
		},
		{
			name:     "timeout",
			provider: FromEngine(mock.NewMockEngine(mock.WithLatency(time.Second))),
			config:   GuardConfig{Timeout: 20 * time.Millisecond},
		},
		{
			name:     "wrong dimensions",
			provider: FromEngine(mock.NewMockEngine(mock.WithDimensions(3))),
			config:   GuardConfig{Dimensions: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(tt.provider, tt.config)
			start := time.Now()
			_, err := g.Embed(context.Background(), "text")
			assert.ErrorIs(t, err, nverrors.ErrEmbeddingUnavailable)
			assert.Less(t, time.Since(start), 500*time.Millisecond)
		})
	}
}

func TestGuard_BreakerOpensAndStopsCalls(t *testing.T) {
	var calls atomic.Int32
	failing := ProviderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return nil, errors.New("provider down")
	})
	g := NewGuard(failing, GuardConfig{MaxFailures: 2, OpenTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		_, err := g.Embed(context.Background(), "text")
		assert.ErrorIs(t, err, nverrors.ErrEmbeddingUnavailable)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "open", g.State())
}

func TestGuard_CallerCancellationDoesNotTrip(t *testing.T) {
	slow := FromEngine(mock.NewMockEngine(mock.WithLatency(time.Second)))
	g := NewGuard(slow, GuardConfig{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Embed(ctx, "text")
	assert.Error(t, err)
	assert.Equal(t, "closed", g.State())
}

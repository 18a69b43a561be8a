// Package embedding turns memory content into vectors for the index.
package embedding

import (
	"context"
	"fmt"

	"github.com/lexlapax/neurovault/pkg/reasoning"
)

// Provider produces one embedding per text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f ProviderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

type engineProvider struct {
	engine reasoning.Engine
}

// FromEngine embeds through a reasoning engine, one text per request.
func FromEngine(engine reasoning.Engine) Provider {
	return &engineProvider{engine: engine}
}

func (p *engineProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.engine.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("engine returned %d embeddings for one text", len(vecs))
	}
	return vecs[0], nil
}

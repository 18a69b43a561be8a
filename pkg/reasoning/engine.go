// Package reasoning defines the language-model engine used to embed memory
// content and to summarize episodes during consolidation.
package reasoning

import "context"

// Engine embeds text and answers single-turn prompts.
type Engine interface {
	// Process answers prompt. opts adjust the request.
	Process(ctx context.Context, prompt string, opts ...Option) (string, error)

	// GenerateEmbeddings returns one vector per input text, in input order.
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Request is the resolved form of a Process call's options.
type Request struct {
	// System is sent ahead of the prompt as instructions; empty sends none
	System      string
	Temperature float64
	MaxTokens   int
}

// Option adjusts a Request.
type Option func(*Request)

// NewRequest applies opts over the defaults used for summaries: a low
// temperature and a 512 token cap.
func NewRequest(opts ...Option) Request {
	r := Request{Temperature: 0.2, MaxTokens: 512}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithSystem sets the instructions.
func WithSystem(system string) Option {
	return func(r *Request) { r.System = system }
}

func WithTemperature(t float64) Option {
	return func(r *Request) { r.Temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(r *Request) { r.MaxTokens = n }
}

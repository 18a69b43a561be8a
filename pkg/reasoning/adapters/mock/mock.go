package mock

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/reasoning"
)

// ErrMockEngine is returned by every call while the engine is set to fail.
var ErrMockEngine = errors.New("mock reasoning engine error")

// DefaultDimensions is the length of generated hash embeddings.
const DefaultDimensions = 64

// Call represents a recorded method call on the mock engine.
type Call struct {
	Method string
	Args   []interface{}
}

// MockEngine implements reasoning.Engine with canned responses and
// deterministic embeddings: identical text always yields the identical unit
// vector, so cosine similarity of equal content is exactly 1.
type MockEngine struct {
	mutex sync.RWMutex

	cannedResponses  map[string]string
	defaultResponse  string
	cannedEmbeddings map[string][]float32
	dimensions       int
	shouldError      bool
	latency          time.Duration

	callHistory []Call
}

// MockOption is a function that configures a MockEngine.
type MockOption func(*MockEngine)

// WithDefaultResponse sets the response returned when no canned prompt matches.
func WithDefaultResponse(resp string) MockOption {
	return func(m *MockEngine) {
		m.defaultResponse = resp
	}
}

// WithDimensions sets the length of generated embeddings.
func WithDimensions(dims int) MockOption {
	return func(m *MockEngine) {
		m.dimensions = dims
	}
}

// WithShouldError configures whether the mock engine returns errors.
func WithShouldError(shouldErr bool) MockOption {
	return func(m *MockEngine) {
		m.shouldError = shouldErr
	}
}

// WithLatency delays every call, honouring context cancellation.
func WithLatency(d time.Duration) MockOption {
	return func(m *MockEngine) {
		m.latency = d
	}
}

// NewMockEngine creates a new MockEngine with the given options.
func NewMockEngine(opts ...MockOption) *MockEngine {
	m := &MockEngine{
		cannedResponses:  make(map[string]string),
		defaultResponse:  "This is a mock response",
		cannedEmbeddings: make(map[string][]float32),
		dimensions:       DefaultDimensions,
	}
	for _, opt := range opts {
		opt(m)
	}

	log.Debug("Created mock reasoning engine", "dimensions", m.dimensions)
	return m
}

func (m *MockEngine) record(method string, args ...interface{}) (bool, time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callHistory = append(m.callHistory, Call{Method: method, Args: args})
	return m.shouldError, m.latency
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Process returns the first canned response whose key is a substring of
// the prompt, else the default response.
func (m *MockEngine) Process(ctx context.Context, prompt string, opts ...reasoning.Option) (string, error) {
	req := reasoning.NewRequest(opts...)
	fail, latency := m.record("Process", prompt, req.System)
	if err := wait(ctx, latency); err != nil {
		return "", err
	}
	if fail {
		return "", ErrMockEngine
	}

	log.Debug("Processing prompt with mock engine",
		"prompt_length", len(prompt),
		"has_system", req.System != "",
		"temperature", req.Temperature,
		"max_tokens", req.MaxTokens)

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if response, ok := m.cannedResponses[prompt]; ok {
		return response, nil
	}
	for key, response := range m.cannedResponses {
		if strings.Contains(prompt, key) {
			return response, nil
		}
	}
	return m.defaultResponse, nil
}

// GenerateEmbeddings returns canned vectors for exact text matches and hash
// vectors for everything else.
func (m *MockEngine) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	fail, latency := m.record("GenerateEmbeddings", texts)
	if err := wait(ctx, latency); err != nil {
		return nil, err
	}
	if fail {
		return nil, ErrMockEngine
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if canned, ok := m.cannedEmbeddings[text]; ok {
			embeddings[i] = append([]float32(nil), canned...)
			continue
		}
		embeddings[i] = HashEmbedding(text, m.dimensions)
	}
	log.Debug("Generated mock embeddings", "count", len(texts), "dimensions", m.dimensions)
	return embeddings, nil
}

// HashEmbedding derives a unit vector from text with an FNV-seeded generator.
func HashEmbedding(text string, dims int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// AddResponse adds a canned response for prompts containing key.
func (m *MockEngine) AddResponse(key, response string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cannedResponses[key] = response
}

// SetDefaultResponse sets the default response.
func (m *MockEngine) SetDefaultResponse(response string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.defaultResponse = response
}

// AddEmbedding pins the vector returned for an exact text.
func (m *MockEngine) AddEmbedding(text string, embedding []float32) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cannedEmbeddings[text] = embedding
}

// SetShouldError configures whether the engine returns errors.
func (m *MockEngine) SetShouldError(shouldErr bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.shouldError = shouldErr
	log.Debug("Set should error mode", "should_error", shouldErr)
}

// SetLatency changes the per-call delay.
func (m *MockEngine) SetLatency(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.latency = d
}

// GetCallHistory returns a copy of the call history.
func (m *MockEngine) GetCallHistory() []Call {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	history := make([]Call, len(m.callHistory))
	copy(history, m.callHistory)
	return history
}

// CallCount returns how many times method was invoked.
func (m *MockEngine) CallCount(method string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	n := 0
	for _, c := range m.callHistory {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ClearHistory clears the call history.
func (m *MockEngine) ClearHistory() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callHistory = nil
}

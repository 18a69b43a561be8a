package reasoning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequest(t *testing.T) {
	r := NewRequest()
	assert.Equal(t, Request{Temperature: 0.2, MaxTokens: 512}, r)

	r = NewRequest(WithSystem("be brief"), WithTemperature(0), WithMaxTokens(64))
	assert.Equal(t, "be brief", r.System)
	assert.Zero(t, r.Temperature)
	assert.Equal(t, 64, r.MaxTokens)
}

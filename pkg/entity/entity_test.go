package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("root")
	assert.Error(t, err)
}

func TestPartition(t *testing.T) {
	c := NewContext("acme", "u1", RoleUser)
	p := c.Partition()
	assert.True(t, p.Valid())
	assert.Equal(t, "acme/u1", p.String())
	assert.False(t, Partition{TenantID: "acme"}.Valid())
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := GetEntityContext(context.Background())
	assert.False(t, ok)

	c := NewContext("acme", "u1", RoleViewer)
	got, ok := GetEntityContext(ContextWithEntity(context.Background(), c))
	require.True(t, ok)
	assert.Equal(t, c, got)
}

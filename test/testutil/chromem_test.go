package testutil

import (
	"context"
	"testing"

	chromem "github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTempChromemGoClient(t *testing.T) {
	client, cleanup := CreateTempChromemGoClient(t)
	require.NotNil(t, client)
	defer cleanup()

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{0.1, 0.2, 0.3}, nil
	}
	coll, err := client.CreateCollection("helper-check", nil, embed)
	require.NoError(t, err)

	err = coll.AddDocument(context.Background(), chromem.Document{ID: "d1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, coll.Count())
}

func TestCreateTempBoltDB(t *testing.T) {
	db, path, cleanup := CreateTempBoltDB(t)
	defer cleanup()

	assert.NotEmpty(t, path)
	assert.Equal(t, path, db.Path())
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Setup(log.Config{Level: log.DebugLevel, Format: log.TextFormat})
}

func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NEUROVAULT_METADATA_TYPE", "")
	var out bytes.Buffer
	a := &app{out: &out}
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--data-dir", dataDir, "--env-file", "/dev/null"}, args...))
	err := root.Execute()
	require.NoError(t, a.close())
	return out.String(), err
}

func TestStoreRetrieveGet(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "--json", "store", "--importance", "8", "-m", "source=cli", "Prefers", "dark", "mode")
	require.NoError(t, err)
	var rec mem.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "Prefers dark mode", rec.Content)
	assert.Equal(t, 8.0, rec.Importance)
	assert.Equal(t, "cli", rec.Metadata["source"])

	out, err = run(t, dir, "retrieve", "Prefers dark mode")
	require.NoError(t, err)
	assert.Contains(t, out, "Prefers dark mode")
	assert.Contains(t, out, rec.ID)

	out, err = run(t, dir, "get", rec.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:      active")

	_, err = run(t, dir, "--tenant", "other", "get", rec.ID)
	assert.Error(t, err)
}

func TestUpdateAndDelete(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "--json", "store", "Likes jazz")
	require.NoError(t, err)
	var rec mem.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))

	_, err = run(t, dir, "update", rec.ID, "--importance", "9")
	assert.Error(t, err)

	out, err = run(t, dir, "update", rec.ID, "--version", "1", "--importance", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "version 2")

	_, err = run(t, dir, "update", rec.ID, "--version", "1", "--importance", "3")
	assert.Error(t, err)

	out, err = run(t, dir, "delete", "--hard", rec.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Purged")

	_, err = run(t, dir, "get", rec.ID)
	assert.Error(t, err)
}

func TestListPages(t *testing.T) {
	dir := t.TempDir()
	for _, text := range []string{"one", "two", "three"} {
		_, err := run(t, dir, "store", "--type", "semantic", text)
		require.NoError(t, err)
	}
	_, err := run(t, dir, "--user", "someone-else", "store", "hidden")
	require.NoError(t, err)

	out, err := run(t, dir, "--json", "list", "-n", "2")
	require.NoError(t, err)
	var page struct {
		Memories   []mem.Record `json:"memories"`
		NextCursor string       `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Memories, 2)
	require.NotEmpty(t, page.NextCursor)

	out, err = run(t, dir, "list", "--cursor", page.NextCursor)
	require.NoError(t, err)
	assert.NotContains(t, out, "Next cursor")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)

	out, err = run(t, dir, "list", "--type", "episodic")
	require.NoError(t, err)
	assert.Contains(t, out, "No memories.")

	_, err = run(t, dir, "list", "--status", "deleted")
	assert.Error(t, err)
}

func TestExportNeedsSystemRole(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "store", "one")
	require.NoError(t, err)
	_, err = run(t, dir, "store", "two")
	require.NoError(t, err)

	_, err = run(t, dir, "export")
	assert.Error(t, err)

	out, err := run(t, dir, "--role", "system", "export")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2)
}

func TestShellScript(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "metadata_store:    up")

	var buf bytes.Buffer
	ctx := context.Background()
	a := &app{dataDir: dir, envFile: "/dev/null", tenant: "acme", user: "alice", role: "user", out: &buf}
	require.NoError(t, a.open(ctx))
	defer a.close()

	script := `
# comment
!store Owns a cat named Miso
!retrieve cat named Miso
!role viewer
!store not allowed
!stats
!list
!unknown
!quit
!store never reached
`
	require.NoError(t, a.runScript(ctx, strings.NewReader(script)))
	text := buf.String()
	assert.Contains(t, text, "Stored ")
	assert.Contains(t, text, "Owns a cat named Miso")
	assert.Contains(t, text, "Role set to: viewer")
	assert.Contains(t, text, "Error: ")
	assert.Contains(t, text, "Total: 1")
	assert.Regexp(t, `episodic\s+active\s+5\.0\s+Owns a cat named Miso`, text)
	assert.Contains(t, text, "Unknown command: !unknown")
	assert.NotContains(t, text, "never reached")
}

func TestParseMeta(t *testing.T) {
	md, err := parseMeta([]string{"a=1", "b=true", "c=null", "d=text", "e=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": true, "c": nil, "d": "text", "e": "x=y"}, md)

	_, err = parseMeta([]string{"novalue"})
	assert.Error(t, err)

	md, err = parseMeta(nil)
	require.NoError(t, err)
	assert.Nil(t, md)
}

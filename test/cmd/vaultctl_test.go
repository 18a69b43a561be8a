//go:build integration
// +build integration

package cmd

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
metadata:
  type: bolt
  bolt:
    path: %s/vault.db
vector:
  backends: [chromemgo]
  chromemgo:
    storage_path: %s/vectors
logging:
  level: warn
`

// TestVaultctl builds the binary and drives it the way an operator would.
func TestVaultctl(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("Skipping integration test; set INTEGRATION_TESTS=true to run")
	}

	tempDir := t.TempDir()
	binary := filepath.Join(tempDir, "vaultctl")
	build := exec.Command("go", "build", "-o", binary, "../../cmd/vaultctl")
	out, err := build.CombinedOutput()
	require.NoError(t, err, "Failed to build vaultctl: %s", out)

	configPath := filepath.Join(tempDir, "config.yaml")
	yaml := strings.ReplaceAll(testConfig, "%s", tempDir)
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o644))

	vaultctl := func(stdin string, args ...string) (string, error) {
		cmd := exec.Command(binary, append([]string{"--config", configPath, "--tenant", "acme", "--user", "tester"}, args...)...)
		cmd.Stdin = bytes.NewBufferString(stdin)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		if err != nil {
			t.Logf("stderr: %s", stderr.String())
		}
		return stdout.String(), err
	}

	t.Run("Help", func(t *testing.T) {
		out, err := vaultctl("", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Usage:")
		assert.Contains(t, out, "retrieve")
	})

	t.Run("StoreAndRetrieve", func(t *testing.T) {
		out, err := vaultctl("", "store", "--importance", "8", "The Earth is the third planet from the Sun.")
		require.NoError(t, err)
		assert.Contains(t, out, "Stored ")

		out, err = vaultctl("", "retrieve", "The Earth is the third planet from the Sun.")
		require.NoError(t, err)
		assert.Contains(t, out, "third planet")
	})

	t.Run("Shell", func(t *testing.T) {
		script := strings.Join([]string{
			"!help",
			"!user other",
			"!store Mars is red",
			"!retrieve Mars is red",
			"!stats",
			"!quit",
		}, "\n") + "\n"
		out, err := vaultctl(script, "shell", "--stdin")
		require.NoError(t, err)
		assert.Contains(t, out, "NeuroVault shell")
		assert.Contains(t, out, "User set to: other")
		assert.Contains(t, out, "Mars is red")
		assert.Contains(t, out, "Total: 1")
	})

	t.Run("Health", func(t *testing.T) {
		out, err := vaultctl("", "--json", "health")
		require.NoError(t, err)
		assert.Contains(t, out, `"metadata_store": "up"`)
	})

	t.Run("BadConfig", func(t *testing.T) {
		cmd := exec.Command(binary, "--config", "/path/does/not/exist.yaml", "stats")
		out, err := cmd.CombinedOutput()
		assert.Error(t, err)
		assert.Contains(t, string(out), "failed to read config file")
	})
}

//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    int64    `json:"id"`
	Key   string   `json:"key"`
	Words []string `json:"words"`
}

func runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	stdout, stderr, err := runCLIRaw(args...)
	if err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout, stderr
}

func runCLIRaw(args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, append([]string{"--interactive=false"}, args...)...)
	cmd.Env = cliEnv

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func listRecords(t *testing.T) []record {
	t.Helper()

	stdout, _ := runCLI(t, "ls", "--show", "-o", "json")

	var out []record
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))

	return out
}

func findKey(list []record, key string) (record, bool) {
	for _, r := range list {
		if r.Key == key {
			return r, true
		}
	}

	return record{}, false
}

func TestE2E_RoundTrip(t *testing.T) {
	key := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	renamed := key + "-renamed"

	t.Cleanup(func() {
		// Best-effort cleanup.
		_, _, _ = runCLIRaw("rm", key)
		_, _, _ = runCLIRaw("rm", renamed)
	})

	t.Run("whoami", func(t *testing.T) {
		stdout, _ := runCLI(t, "whoami", "--json")

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.NotEmpty(t, out["subject"])
	})

	t.Run("add", func(t *testing.T) {
		stdout, stderr := runCLI(t, "add", key, "correct", "horse", "battery")
		assert.Equal(t, "correct horse battery\n", stdout)
		assert.Contains(t, stderr, "Added")
	})

	t.Run("get", func(t *testing.T) {
		stdout, _ := runCLI(t, "get", key)
		assert.Equal(t, "correct horse battery\n", stdout)
	})

	t.Run("ls", func(t *testing.T) {
		stdout, _ := runCLI(t, "ls")
		assert.Contains(t, stdout, "PASSPHRASE")
		assert.Contains(t, stdout, key)
		assert.NotContains(t, stdout, "correct horse")
	})

	t.Run("edit", func(t *testing.T) {
		runCLI(t, "edit", key, "--key", renamed, "--regenerate", "--length", "4")

		r, ok := findKey(listRecords(t), renamed)
		require.True(t, ok)
		assert.Len(t, r.Words, 4)
	})

	t.Run("rm", func(t *testing.T) {
		_, stderr := runCLI(t, "rm", renamed)
		assert.Contains(t, stderr, "Deleted")

		_, ok := findKey(listRecords(t), renamed)
		assert.False(t, ok)
	})
}

func TestE2E_GeneratedPassphrase(t *testing.T) {
	key := fmt.Sprintf("e2e-gen-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _, _ = runCLIRaw("rm", key) })

	stdout, _ := runCLI(t, "add", key, "--length", "7")
	assert.Len(t, strings.Fields(stdout), 7)

	_, _, err := runCLIRaw("add", key)
	assert.Error(t, err, "duplicate key must fail")
}

func TestE2E_NotSignedIn(t *testing.T) {
	cmd := exec.Command(binaryPath, "--interactive=false", "--token-file", t.TempDir()+"/none.json", "ls")
	cmd.Env = cliEnv

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "diceware login")
}

func TestE2E_History(t *testing.T) {
	cfgPath := t.TempDir() + "/config.toml"
	require.NoError(t, os.WriteFile(cfgPath, []byte("journal = true\n"), 0o600))

	key := fmt.Sprintf("e2e-hist-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _, _ = runCLIRaw("rm", key) })

	runCLI(t, "--config", cfgPath, "add", key, "a", "b")

	stdout, _ := runCLI(t, "--config", cfgPath, "history", "-o", "json")

	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.NotEmpty(t, entries)
	assert.Contains(t, stdout, `"kind": "create"`)
}

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a minimal config pointing at a temp data dir and
// returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf("data_dir: %s\ndb:\n  path: %s\n%s",
		dir, filepath.Join(dir, "lore.db"), extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lore dev (commit: none, built: unknown)\n", out)
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runCommand(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"serve", "scan", "audit", "queue", "learnings", "search", "update", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestExecuteExitCodes(t *testing.T) {
	assert.Equal(t, 0, execute(newVersionCmd()))

	failing := &cobra.Command{
		Use:           "failing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("intentional error")
		},
	}
	assert.Equal(t, 1, execute(failing))
}

func TestQueueStatsEmptyStore(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := runCommand(t, "queue", "stats", "-c", cfgPath)
	require.NoError(t, err)

	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Contains(t, stats, "by_status")
	assert.Contains(t, stats, "by_type")
	assert.EqualValues(t, 0, stats["exhausted"])
}

func TestQueueRetryRejectsBadID(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := runCommand(t, "queue", "retry", "not-a-number", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-number")
}

func TestQueueReleaseStaleEmptyStore(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := runCommand(t, "queue", "release-stale", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "released 0 stale claims")
}

func TestLearningsCountsEmptyStore(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := runCommand(t, "learnings", "counts", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "approved")
	assert.Contains(t, out, "rejected")
}

func TestLearningsListEmptyStore(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := runCommand(t, "learnings", "list", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no pending learnings")
}

func TestScanEmptyStore(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := runCommand(t, "scan", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 0 conversations")
	assert.Contains(t, out, "learnings: 0")
}

func TestAuditEmptyStoreErrors(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := runCommand(t, "audit", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conversations to audit")
}

func TestSearchDisabledIndex(t *testing.T) {
	cfgPath := writeConfig(t, "vector:\n  enabled: false\n")

	_, err := runCommand(t, "search", "anything", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var updateSnapshots = flag.Bool("update", false, "update CLI help snapshots")

type helpSnapshotCase struct {
	name     string
	args     []string
	snapshot string
}

func TestCLIHelpSnapshots(t *testing.T) {
	t.Parallel()

	cases := []helpSnapshotCase{
		{
			name:     "tasks_help",
			args:     []string{"tasks", "--help"},
			snapshot: "tasks_help.txt",
		},
		{
			name:     "memory_help",
			args:     []string{"memory", "--help"},
			snapshot: "memory_help.txt",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			output, err := runRootCommandForTest(tc.args...)
			if err != nil {
				t.Fatalf("execute command %v: %v\nOutput:\n%s", tc.args, err, output)
			}

			snapshotPath := filepath.Join("testdata", "cli", tc.snapshot)
			if *updateSnapshots {
				if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
					t.Fatalf("mkdir snapshot dir: %v", err)
				}
				if err := os.WriteFile(snapshotPath, []byte(output), 0o644); err != nil {
					t.Fatalf("write snapshot: %v", err)
				}
			}

			expected, readErr := os.ReadFile(snapshotPath)
			if readErr != nil {
				t.Fatalf("read snapshot %s: %v", snapshotPath, readErr)
			}
			if output != string(expected) {
				t.Fatalf("snapshot mismatch for %s\n--- expected ---\n%s\n--- actual ---\n%s", tc.name, string(expected), output)
			}
		})
	}
}

func TestRootHelpListsCommands(t *testing.T) {
	t.Parallel()

	output, err := runRootCommandForTest("--help")
	require.NoError(t, err)
	for _, name := range []string{"serve", "scan", "tasks", "memory", "events", "chat", "exec", "onboard", "status"} {
		assert.Contains(t, output, "  "+name+" ")
	}
	assert.NotContains(t, output, "docs")
	assert.NotContains(t, output, "completion")
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	patch, err := parseOverrides([]string{"maxScansPerDay=10", "enabled=false", " mode = hello "})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"maxScansPerDay": float64(10),
		"enabled":        false,
		"mode":           "hello",
	}, patch)

	_, err = parseOverrides([]string{"maxScansPerDay"})
	assert.Error(t, err)
	_, err = parseOverrides([]string{"=3"})
	assert.Error(t, err)
}

func TestTasksCommandsShareState(t *testing.T) {
	workspace := t.TempDir()
	cfgPath := writeTestConfig(t, workspace)

	out, err := runRootCommandForTest("--config", cfgPath, "tasks", "add", "Renew", "passport", "--scheduled", "2026-06-01")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ Added")
	assert.Contains(t, out, "Renew passport")
	assert.FileExists(t, filepath.Join(workspace, "state", "dottask.db"))

	out, err = runRootCommandForTest("--config", cfgPath, "tasks", "list")
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "pending")
	assert.Contains(t, lines[1], "2026-06-01")
	assert.Contains(t, lines[1], "Renew passport")

	id := strings.Fields(lines[1])[0]
	_, err = runRootCommandForTest("--config", cfgPath, "tasks", "accept", id)
	assert.Error(t, err, "only suggestions can be accepted")

	out, err = runRootCommandForTest("--config", cfgPath, "tasks", "done", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ Completed Renew passport")

	_, err = runRootCommandForTest("--config", cfgPath, "tasks", "done", "zzzzzzzz")
	assert.ErrorContains(t, err, "not found")

	out, err = runRootCommandForTest("--config", cfgPath, "events", "--type", "task_completed")
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed: Renew passport")
}

func TestScanConfigCommand(t *testing.T) {
	workspace := t.TempDir()
	cfgPath := writeTestConfig(t, workspace)

	out, err := runRootCommandForTest("--config", cfgPath, "scan", "config", "maxScansPerDay=5", "bogus=1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✗ bogus")
	assert.Contains(t, out, "maxScansPerDay=5")

	_, err = runRootCommandForTest("--config", cfgPath, "scan", "config", "bogus=1")
	assert.EqualError(t, err, "no overrides applied")

	out, err = runRootCommandForTest("--config", cfgPath, "scan", "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Scans today: 0/5")
}

func TestDocsGenerateAndCheck(t *testing.T) {
	outDir := t.TempDir()
	rootFactory := func() *cobra.Command { return buildRootCommand(false) }

	require.NoError(t, generateDocumentation(rootFactory, outDir, false))
	require.NoError(t, generateDocumentation(rootFactory, outDir, true))

	api, err := os.ReadFile(filepath.Join(outDir, "reference", "api.md"))
	require.NoError(t, err)
	assert.Contains(t, string(api), "| `POST` | `/api/v1/tasks/{id}/accept` |")
	assert.Contains(t, string(api), "| `GET` | `/health` |")

	cfgRef, err := os.ReadFile(filepath.Join(outDir, "reference", "config.md"))
	require.NoError(t, err)
	assert.Contains(t, string(cfgRef), "`DOTTASK_GATEWAY_PORT`")

	assert.FileExists(t, filepath.Join(outDir, "reference", "cli", "dottask_tasks_add.md"))

	require.NoError(t, os.WriteFile(filepath.Join(outDir, "reference", "api.md"), []byte("stale\n"), 0o644))
	err = generateDocumentation(rootFactory, outDir, true)
	assert.ErrorContains(t, err, "run `dottask docs generate`")
}

func writeTestConfig(t *testing.T, workspace string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"agent": map[string]any{
			"workspace": workspace,
			"timezone":  "UTC",
		},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		configPath, envFile, dataDir, jsonOutput = "", ".env", "", false
	})
	t.Setenv("SENTINEL_MONITOR_ENABLED", "false")

	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "unknown")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReportDryRunPrintsClassification(t *testing.T) {
	out, err := execute(t, "report", "script", "editor.render is not a function",
		"--dry-run", "--json", "--data-dir", t.TempDir())
	require.NoError(t, err)

	var result struct {
		Kind           string `json:"kind"`
		Recorded       bool   `json:"recorded"`
		Classification struct {
			Category string `json:"category"`
		} `json:"classification"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "script", result.Kind)
	assert.False(t, result.Recorded)
	assert.NotEmpty(t, result.Classification.Category)
}

func TestReportThenSearch(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "report", "network", "upstream", "timeout", "--data-dir", dir)
	require.NoError(t, err)

	out, err := execute(t, "search", "upstream", "--json", "--data-dir", dir)
	require.NoError(t, err)

	var entries []struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "upstream timeout", entries[0].Message)
}

func TestSearchRejectsUnknownLevel(t *testing.T) {
	_, err := execute(t, "search", "--level", "loud", "--data-dir", t.TempDir())
	assert.Error(t, err)
}

func TestExportWritesFile(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "report", "script", "boom", "--data-dir", dir)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "audit.csv")
	_, err = execute(t, "export", "--format", "csv", "--output", path, "--data-dir", dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "boom")
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	t.Setenv("SENTINEL_COOLDOWN", "later")
	out, err = execute(t, "validate", "--json")
	require.Error(t, err)
	assert.Contains(t, out, `"valid": false`)
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
}

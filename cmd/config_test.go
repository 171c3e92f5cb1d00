package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/askdb/internal/output"
)

// testEnv sets up isolated config dir, viper, store and output for testing.
// It returns the config dir; command output is collected in the returned buffer.
func testEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	setDefaults()

	// Each test gets its own history database.
	dataStore = nil
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	})

	// Initialize output
	var out bytes.Buffer
	ui = output.New()
	ui.Out = &out
	ui.ErrOut = &out

	return dir, &out
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir, _ := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	require.NoError(t, err, "config file should exist")
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "askdb configuration")
	assert.Contains(t, string(data), "max_iterations: 10")
	assert.Contains(t, string(data), "idle_timeout: 15m0s")
}

func TestConfigInit_IsValidYAMLForViper(t *testing.T) {
	dir, _ := testEnv(t)
	require.NoError(t, configInitRun())

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, 20, v.GetInt("agent.row_limit"))
	assert.Equal(t, 5000, v.GetInt("server.port"))
	assert.Equal(t, "info", v.GetString("log.level"))
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir, _ := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir, _ := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	t.Cleanup(func() { configForce = false })
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "askdb configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	_, out := testEnv(t)

	err := configShowRun()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(none)")
	assert.Contains(t, out.String(), "agent.max_iterations")
}

func TestConfigShow_WithFile(t *testing.T) {
	_, out := testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())
	out.Reset()

	err := configShowRun()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(file)")
	assert.Contains(t, out.String(), "Config file: ")
}

func TestConfigShow_MasksAPIKey(t *testing.T) {
	_, out := testEnv(t)
	viper.Set("anthropic.api_key", "sk-ant-secret-1234")

	require.NoError(t, configShowRun())
	assert.Contains(t, out.String(), "****1234")
	assert.NotContains(t, out.String(), "sk-ant-secret")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "(unset)", maskSecret(""))
	assert.Equal(t, "****", maskSecret("abc"))
	assert.Equal(t, "****wxyz", maskSecret("abcdwxyz"))
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	t.Setenv("EDITOR", "echo") // harmless command

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestConfigSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	// From env
	t.Setenv("ASKDB_TEST_KEY", "val")
	assert.Equal(t, "env: ASKDB_TEST_KEY", configSource("test_key", "ASKDB_TEST_KEY", fileValues))

	// From file
	assert.Equal(t, "file", configSource("key_a", "ASKDB_KEY_A_NONEXISTENT", fileValues))

	// Default
	assert.Equal(t, "default", configSource("key_b", "ASKDB_KEY_B_NONEXISTENT", fileValues))
}

func TestCollectKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	collectKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}

func TestFileKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  row_limit: 50\nlog:\n  level: debug\n"), 0600))

	keys := fileKeys(path)
	assert.Equal(t, map[string]bool{"agent.row_limit": true, "log.level": true}, keys)

	assert.Empty(t, fileKeys(filepath.Join(dir, "missing.yaml")))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("agent: [row_limit"), 0600))
	assert.Empty(t, fileKeys(bad))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARN":    "WARN",
		"warning": "WARN",
		" error ": "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in).String(), in)
	}
}

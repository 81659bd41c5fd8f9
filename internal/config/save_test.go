package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefaultConfig_CreatesFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "nested", "config.yaml")

	err := WriteDefaultConfig(configPath)
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.Equal(t, DefaultConfigTemplate(), string(data))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(configPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestWriteDefaultConfig_LeavesNoTempFiles(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, WriteDefaultConfig(configPath))

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "config.yaml", entries[0].Name())
}

func TestEnsureDefaultConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	created, err := EnsureDefaultConfig(configPath)
	require.NoError(t, err)
	require.True(t, created)

	// A user edit must survive subsequent Ensure calls.
	require.NoError(t, os.WriteFile(configPath, []byte("debug: true\n"), 0o600))

	created, err = EnsureDefaultConfig(configPath)
	require.NoError(t, err)
	require.False(t, created)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.Equal(t, "debug: true\n", string(data))
}

func TestDefaultTemplateMatchesDefaults(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, WriteDefaultConfig(configPath))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var loaded Config
	require.NoError(t, v.Unmarshal(&loaded))

	assert.Equal(t, Defaults(), loaded)
}

func TestCheckFile_AcceptsDefaultTemplate(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, WriteDefaultConfig(configPath))

	require.NoError(t, CheckFile(configPath))
}

func TestCheckFile_MissingFileIsFine(t *testing.T) {
	require.NoError(t, CheckFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestCheckFile_EmptyFileIsFine(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, nil, 0o600))

	require.NoError(t, CheckFile(configPath))
}

func TestCheckFile_RejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("sesion:\n  iterations: 5\n"), 0o600))

	err := CheckFile(configPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sesion")
}

func TestCheckFile_RejectsInvalidValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("backoff:\n  multiplier: 0.1\n"), 0o600))

	err := CheckFile(configPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiplier")
}

func TestCheckFile_PartialFileKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("session:\n  iterations: 25\n"), 0o600))

	require.NoError(t, CheckFile(configPath))
}

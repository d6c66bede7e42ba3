package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_ConfigFlag(t *testing.T) {
	t.Parallel()

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"-c", "/etc/tts-dispatch.toml"}))

	path, err := cmd.Flags().GetString("config")
	require.NoError(t, err)
	assert.Equal(t, "/etc/tts-dispatch.toml", path)
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tts-dispatch.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pool]\nconcurrency = 2\n"), 0o600))

	bootstrapLog, err := setupLogger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bootstrapLog.Close() })

	cfg, err := loadConfig(path, bootstrapLog)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.Concurrency)
	assert.False(t, cfg.NATS.Enabled())
}

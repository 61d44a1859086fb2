package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_PlainFileLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.log")

	logger := Setup(nil, Config{Level: "debug", File: path})
	logger.Info("hello")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "info", entry["level"])
}

func TestSetup_RotatingFileCreatesLogDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "bot.log")

	logger := Setup(nil, Config{Level: "info", File: path, Rotation: true, MaxSize: 1})
	logger.Warn("rotated")
	require.NoError(t, logger.Sync())

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestSetup_StdoutFallbackWhenNoFileConfigured(t *testing.T) {
	logger := Setup(nil, Config{Level: "warn"})
	require.NotNil(t, logger)
	assert.NoError(t, logger.Sync())
}

func TestParseLevel(t *testing.T) {
	for _, level := range []string{"", "info", "debug", "warn", "error"} {
		_, ok := parseLevel(level)
		assert.True(t, ok, level)
	}
	_, ok := parseLevel("trace")
	assert.False(t, ok)
}

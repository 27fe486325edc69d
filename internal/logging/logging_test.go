package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevel(t *testing.T) {
	logger, err := NewLogger(Config{Level: "warn"})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewLoggerInvalidLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger(Config{Level: "verbose"})
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livestream.log")

	logger, err := NewLogger(Config{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	require.NoError(t, err)

	logger.Named("hub").Info("observer registered", zap.String("observer", "abc"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "observer registered", entry["msg"])
	assert.Equal(t, "hub", entry["logger"])
	assert.Equal(t, "abc", entry["observer"])
}

func TestNewLoggerCreatesLogDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "livestream.log")

	_, err := NewLogger(Config{File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Dir(path))
}

func TestNewLoggerFailsOnUnusableLogPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	_, err := NewLogger(Config{File: filepath.Join(blocker, "livestream.log")})
	require.Error(t, err)
}

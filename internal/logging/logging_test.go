package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	logger := New(Options{File: path})

	logger.Info("pipeline finished", zap.String("run_id", "abc"), zap.Int64("seed", 42))
	logger.Debug("hidden at info level")
	_ = logger.Sync()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "pipeline finished", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "abc", lines[0]["run_id"])
	assert.EqualValues(t, 42, lines[0]["seed"])
	assert.Contains(t, lines[0], "timestamp")
}

func TestNewDevelopmentEnablesDebug(t *testing.T) {
	logger := New(Options{Development: true})
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger = New(Options{})
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger = New(Options{Level: "error"})
	assert.False(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG", zapcore.InfoLevel))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" warning ", zapcore.InfoLevel))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error", zapcore.InfoLevel))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("", zapcore.InfoLevel))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("verbose", zapcore.WarnLevel))
}

package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lucasnoah/cihealer/internal/config"
)

func TestInitialize_JSONConsole(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "healer"}, zapcore.AddSync(&buf))

	GetLogger().Named("orchestrator").Info("iteration finished", zap.Int("iteration", 2))
	GetLogger().Debug("hidden at info level")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "healer.orchestrator", entry["logger"])
	assert.Equal(t, "iteration finished", entry["msg"])
	assert.EqualValues(t, 2, entry["iteration"])
}

func TestInitialize_OnlyOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Format: "json"}, zapcore.AddSync(&first))
	Initialize(config.LoggerConfig{Format: "json"}, zapcore.AddSync(&second))

	GetLogger().Info("hello")
	assert.Contains(t, first.String(), "hello")
	assert.Empty(t, second.String())
}

func TestInitialize_FileOutput(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logFile := filepath.Join(t.TempDir(), "healer.log")
	var console bytes.Buffer
	Initialize(config.LoggerConfig{Level: "debug", Format: "console", LogFile: logFile, MaxSize: 1}, zapcore.AddSync(&console))

	GetLogger().Debug("to both sinks")
	Sync()

	assert.Contains(t, console.String(), "to both sinks")
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both sinks"`)
}

func TestInitialize_BadLevelDefaultsToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "loud", Format: "json"}, zapcore.AddSync(&buf))
	GetLogger().Debug("dropped")
	GetLogger().Info("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	assert.NotNil(t, GetLogger())
}

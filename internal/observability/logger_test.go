package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal(line, &entry))
		out = append(out, entry)
	}
	return out
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(zapcore.AddSync(&buf), "info")

	logger.Info("server_start", map[string]any{"port": "8080"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "server_start", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, "8080", entries[0]["port"])
	assert.NotEmpty(t, entries[0]["timestamp"])
}

func TestLoggerMasksSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(zapcore.AddSync(&buf), "info")

	logger.Error("login_failed", map[string]any{
		"password":      "hunter22hunter22",
		"Refresh_Token": "abc",
		"error":         errors.New("boom"),
	})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, redactedValue, entries[0]["password"])
	assert.Equal(t, redactedValue, entries[0]["Refresh_Token"])
	assert.Equal(t, "boom", entries[0]["error"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(zapcore.AddSync(&buf), "warn")

	logger.Info("ignored", nil)
	logger.Debug("ignored", nil)
	logger.Warn("kept", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["message"])
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Info("nothing", map[string]any{"k": "v"})
	logger.Sync()
}

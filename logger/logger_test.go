package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)

	l.Info("dropped")
	l.Warn("source failed", slog.String("source", "yahoo"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "source failed", entry["msg"])
	assert.Equal(t, "yahoo", entry["source"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "debug", Format: "text"}, &buf)
	l.Debug("tick", slog.String("symbol", "AAPL"))
	assert.Contains(t, buf.String(), "symbol=AAPL")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "feed.log")
	l, err := New(Config{Level: "info", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)
	l.Info("written")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

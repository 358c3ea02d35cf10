package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubSecrets(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"token field", "token=abc123", "[REDACTED]"},
		{"authorization header", "Authorization: Bearer abc.def.ghi", "[REDACTED]"},
		{"bearer anywhere", "saw Bearer xyz789 in request", "saw [REDACTED] in request"},
		{"cookie field", "cookie: ttydmux_ro=abc", "[REDACTED]"},
		{"password field", "password: hunter2", "[REDACTED]"},
		{"no secret", "session started on port 7001", "session started on port 7001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScrubSecrets(tt.input))
		})
	}
}

func TestRotatingWriterCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	rw, err := NewRotatingWriter(path, 1024, 24*time.Hour)
	require.NoError(t, err)
	defer rw.Close()

	n, err := rw.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestRotatingWriterRotatesOnOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	rw, err := NewRotatingWriter(path, 20, 24*time.Hour)
	require.NoError(t, err)
	defer rw.Close()

	rw.Write([]byte("1234567890\n"))
	rw.Write([]byte("abcdefghij\n"))
	rw.Write([]byte("after-rotate\n"))

	time.Sleep(10 * time.Millisecond)

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "rotated file should exist")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after-rotate")
}

func TestRotatingWriterCleansOldFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	oldRotated := path + ".old"
	require.NoError(t, os.WriteFile(oldRotated, []byte("old"), 0600))
	oldTime := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldRotated, oldTime, oldTime))

	rw := &RotatingWriter{path: path, maxAge: 7 * 24 * time.Hour}
	rw.cleanOld()

	_, err := os.Stat(oldRotated)
	assert.True(t, os.IsNotExist(err), "old rotated file should be cleaned up")
}

func TestScrubbingHandlerScrubsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewScrubbingHandler(inner))

	logger.Info("issuing token=abc123", "share_token", "token=xyz789")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "issuing [REDACTED]", entry["msg"])
	assert.Equal(t, "[REDACTED]", entry["share_token"])
}

func TestScrubbingHandlerPreservesNonSecretAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewScrubbingHandler(inner))

	logger.Info("session started", "pid", 1234, "port", 7001)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session started", entry["msg"])
	assert.Equal(t, float64(1234), entry["pid"])
}

func TestScrubbingHandlerWithAttrsScrubs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewScrubbingHandler(inner)).With("session_secret", "password: hunter2")

	logger.Info("test")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "[REDACTED]", entry["session_secret"])
}

func TestSetupWritesJSONToLogDir(t *testing.T) {
	dir := t.TempDir()

	logger, cleanup, err := Setup(dir, slog.LevelInfo, false)
	require.NoError(t, err)
	defer cleanup()

	logger.Info("daemon started", "port", 7681)

	data, err := os.ReadFile(filepath.Join(dir, "ttyd-mux.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "daemon started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "INFO", entry["level"])
}

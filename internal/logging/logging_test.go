package logging

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

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNew_JSONToConsoleAndFile(t *testing.T) {
	// ARRANGE
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "agent.log")

	// ACT
	logger, closer, err := New(Options{Level: "info", Format: FormatJSON, File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("sync finished", "pushed", 3)
	require.NoError(t, closer.Close())

	// ASSERT
	var line map[string]any
	require.NoError(t, json.Unmarshal(console.Bytes(), &line))
	assert.Equal(t, "sync finished", line["msg"])
	assert.EqualValues(t, 3, line["pushed"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, console.String(), string(data))
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Options{Format: "xml"}, &bytes.Buffer{})

	assert.Error(t, err)
}

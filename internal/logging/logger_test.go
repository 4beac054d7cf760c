package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSONRenamesErrorKey(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(slog.LevelInfo, FormatJSON, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Warn("Publisher.Publish: queued", "error", errors.New("connection refused"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Publisher.Publish: queued", line["msg"])
	assert.Equal(t, "connection refused", line["err"])
	assert.NotContains(t, line, "error")
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(slog.LevelDebug, "", &buf)
	require.NoError(t, err)

	logger.Debug("hello", "error", "boom")
	assert.Contains(t, buf.String(), "err=boom")
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(slog.LevelInfo, "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

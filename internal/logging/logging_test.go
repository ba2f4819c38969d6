// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer

	logger, closer, err := newLogger(Config{Service: "producer", Level: "info"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("message confirmed", zap.String("routing_key", "users"))
	require.NoError(t, closer())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(lines[0], &entry))

	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "message confirmed", entry["msg"])
	assert.Equal(t, "producer", entry["service"])
	assert.Equal(t, "users", entry["routing_key"])
	assert.Contains(t, entry, "time")
}

func TestNewInvalidLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})

	assert.ErrorContains(t, err, "parse log level")
}

func TestNewTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consumer.log")

	var buf bytes.Buffer

	logger, closer, err := newLogger(Config{Level: "debug", File: path}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("consumer started")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Contains(t, string(data), "consumer started")
	assert.Contains(t, buf.String(), "consumer started")
}

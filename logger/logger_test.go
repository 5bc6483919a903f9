package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecorderKeepsFieldsPerLevel(t *testing.T) {
	r := NewRecorder()
	r.Warn("dropped field", "field", "salary", "strict", false)
	r.Debug("decision", "allowed", true)

	warns := r.ByLevel("warn")
	require.Len(t, warns, 1)
	assert.Equal(t, "dropped field", warns[0].Msg)
	assert.Equal(t, "salary", warns[0].Fields["field"])
	assert.Equal(t, false, warns[0].Fields["strict"])
	assert.Len(t, r.Entries(), 2)
}

func TestSLogLoggerWritesAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	l.Warn("unmatched clause", "field", "nope", "err", errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "nope", line["field"])
	assert.Equal(t, "boom", line["err"])

	buf.Reset()
	quiet := NewSLogLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	quiet.Debug("decision", "user", "u1")
	assert.Zero(t, buf.Len())
}

func TestZapLoggerWritesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l, err := NewZapLogger(zap.New(core), zapcore.DebugLevel)
	require.NoError(t, err)

	l.Info("decision", "user", "u1", "allowed", true, "rows", 3)
	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "u1", ctx["user"])
	assert.Equal(t, true, ctx["allowed"])
	assert.EqualValues(t, 3, ctx["rows"])
}

func TestNullLoggerIsSilent(t *testing.T) {
	var l Logger = NewNullLogger()
	l.Error("ignored", "k", "v")
}

package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestLogger_ErrorCarriesErrField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).With("run_id", "r1")

	l.Error("write failed", errors.New("disk full"), "path", "/tmp/x")

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "r1", ctx["run_id"])
	assert.Equal(t, "disk full", ctx["err"])
	assert.Equal(t, "/tmp/x", ctx["path"])
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := CronLogger{L: FromZap(zap.New(core))}

	c.Info("wake", "now", 1)
	c.Error(errors.New("boom"), "job failed")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "cron: wake", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestNew(t *testing.T) {
	l, err := New("debug", "console")
	require.NoError(t, err)
	l.Debug("hello")

	l, err = New("info", "json")
	require.NoError(t, err)
	l.Info("hello")
}

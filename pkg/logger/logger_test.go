package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	l, err := New(Config{Level: "debug", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestFromContextCarriesValues(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = WithPipeline(ctx, "p-1")
	ctx = WithStep(ctx, "full_load")
	ctx = WithStep(ctx, "source_connector")

	FromContext(ctx, base).Info("step failed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].Context
	assert.Len(t, fields, 3, "a re-tagged step is logged once")
	m := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", m["request_id"])
	assert.Equal(t, "p-1", m["pipeline_id"])
	assert.Equal(t, "source_connector", m["step"])
}

func TestFromContextWithoutValues(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	FromContext(context.Background(), zap.New(core)).Info("plain")
	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
}

func TestSyncFlushesGlobalLogger(t *testing.T) {
	require.NotNil(t, Get())
	// stdout cannot always be fsynced; only a panic would be a failure here.
	assert.NotPanics(t, func() { _ = Sync() })
}

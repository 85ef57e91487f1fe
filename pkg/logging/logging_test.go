package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orneryd/vrtree/pkg/config"
)

func TestNew(t *testing.T) {
	t.Run("level_from_config", func(t *testing.T) {
		cfg := config.DefaultConfig().Logging
		cfg.Level = "DEBUG"
		cfg.Output = []string{filepath.Join(t.TempDir(), "vrtree.log")}
		log, level, err := New(cfg)
		require.NoError(t, err)
		defer log.Sync()
		assert.Equal(t, zapcore.DebugLevel, level.Level())

		level.SetLevel(zapcore.ErrorLevel)
		assert.False(t, log.Core().Enabled(zapcore.WarnLevel))
	})

	t.Run("unknown_level_falls_back_to_info", func(t *testing.T) {
		cfg := config.DefaultConfig().Logging
		cfg.Level = "chatty"
		cfg.Output = []string{filepath.Join(t.TempDir(), "vrtree.log")}
		log, level, err := New(cfg)
		require.NoError(t, err)
		defer log.Sync()
		assert.Equal(t, zapcore.InfoLevel, level.Level())
	})

	t.Run("bad_encoding_fails", func(t *testing.T) {
		cfg := config.DefaultConfig().Logging
		cfg.Format = "xml"
		_, _, err := New(cfg)
		assert.Error(t, err)
	})
}

func TestPluginSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewPluginSink(zap.New(core), "fbx")

	sink.Log(LogInfo, "start\n")
	sink.Indent(true)
	sink.Log(LogWarning, "nested")
	sink.Indent(true)
	sink.Log(LogError, "deeper")
	sink.Indent(false)
	sink.Indent(false)
	sink.Indent(false)
	sink.Log(LogDebug, "back")
	sink.Log(42, "unknown type")

	entries := logs.AllUntimed()
	require.Len(t, entries, 5)
	want := []struct {
		level zapcore.Level
		msg   string
	}{
		{zapcore.InfoLevel, "start"},
		{zapcore.WarnLevel, "  nested"},
		{zapcore.ErrorLevel, "    deeper"},
		{zapcore.DebugLevel, "back"},
		{zapcore.InfoLevel, "unknown type"},
	}
	for i, w := range want {
		assert.Equal(t, w.level, entries[i].Level)
		assert.Equal(t, w.msg, entries[i].Message)
		assert.Equal(t, "fbx", entries[i].ContextMap()["plugin"])
	}
	assert.Zero(t, sink.Depth())
}

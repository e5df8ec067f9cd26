package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kunal/gpu-utilization-monitor/pkg/config"
)

func TestConfigure(t *testing.T) {
	t.Run("defaults to info text on stdout", func(t *testing.T) {
		l := logrus.New()
		require.NoError(t, Configure(l, config.LogConfig{}))
		assert.Equal(t, logrus.InfoLevel, l.GetLevel())
		assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
		assert.Equal(t, os.Stdout, l.Out)
	})

	t.Run("json debug", func(t *testing.T) {
		l := logrus.New()
		require.NoError(t, Configure(l, config.LogConfig{Level: "DEBUG", Format: "json"}))
		assert.Equal(t, logrus.DebugLevel, l.GetLevel())
		assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
	})

	t.Run("rotating file", func(t *testing.T) {
		l := logrus.New()
		file := filepath.Join(t.TempDir(), "monitor.log")
		require.NoError(t, Configure(l, config.LogConfig{File: file}))
		rotator, ok := l.Out.(*lumberjack.Logger)
		require.True(t, ok)
		assert.Equal(t, file, rotator.Filename)
	})

	t.Run("invalid level", func(t *testing.T) {
		assert.Error(t, Configure(logrus.New(), config.LogConfig{Level: "loud"}))
	})

	t.Run("invalid format", func(t *testing.T) {
		assert.Error(t, Configure(logrus.New(), config.LogConfig{Format: "xml"}))
	})
}

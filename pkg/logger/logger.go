package logger

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kunal/gpu-utilization-monitor/pkg/config"
)

// Init configures the global logrus logger from cfg.
func Init(cfg config.LogConfig) error {
	return Configure(logrus.StandardLogger(), cfg)
}

// Configure applies level, formatter and output to l.
func Configure(l *logrus.Logger, cfg config.LogConfig) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "", "text", "console":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		return errors.Errorf("unknown log format %q", cfg.Format)
	}

	l.SetOutput(output(cfg.File))
	return nil
}

func output(file string) io.Writer {
	if file == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
}

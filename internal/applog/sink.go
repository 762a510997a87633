package applog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var droppedEntries = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "applog_dropped_entries_total",
	Help: "The number of log entries dropped because the queue was full.",
})

var registerOnce sync.Once

// RegisterMetrics registers the logger collectors on the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(droppedEntries)
	})
}

// FileConfig configures the rotated log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewFileWriter returns a size-rotated file writer.
func NewFileWriter(cfg FileConfig) *lumberjack.Logger {
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 28
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
}

// SlogSink writes entries as JSON lines through a slog handler.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(w io.Writer) SlogSink {
	return SlogSink{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

// NewStdoutSink writes to stdout and, when path is not empty, to a rotated file.
func NewStdoutSink(path string) (SlogSink, io.Closer) {
	if path == "" {
		return NewSlogSink(os.Stdout), io.NopCloser(nil)
	}
	file := NewFileWriter(FileConfig{Path: path})
	return NewSlogSink(io.MultiWriter(os.Stdout, file)), file
}

func (s SlogSink) Write(ctx context.Context, e Entry) error {
	r := slog.NewRecord(e.Timestamp, toSlogLevel(e.Level), e.Message, 0)
	r.AddAttrs(
		slog.String("service", e.Service),
		slog.String("component", e.Component),
	)
	return s.logger.Handler().Handle(ctx, r)
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

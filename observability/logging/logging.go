package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	out   io.Writer
	file  *lumberjack.Logger
	level slog.Level
}

// Option customises Setup.
type Option func(*options)

// WithFile mirrors every log line to a size-rotated file. Zero values keep the
// lumberjack defaults.
func WithFile(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(o *options) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		o.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
	}
}

// WithWriter replaces stdout as the primary sink.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.out = w
		}
	}
}

// WithLevel sets the minimum level. Unknown names leave the default (info).
func WithLevel(name string) Option {
	return func(o *options) {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err == nil {
			o.level = level
		}
	}
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string, opts ...Option) *slog.Logger {
	cfg := options{out: os.Stdout, level: slog.LevelInfo}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	out := cfg.out
	if cfg.file != nil {
		out = io.MultiWriter(cfg.out, cfg.file)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		Level:     cfg.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

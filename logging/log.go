package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerKey struct{}

func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey{}, logger)
}

func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(LoggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return New(zap.DebugLevel, "", false)
}

type options struct {
	maxSize    int
	maxBackups int
	maxAge     int
}

type Option func(*options)

// WithRotation configures rotation of the log file: the size in megabytes after which the file
// is rotated and how many rotated files are kept (0 keeps all of them).
func WithRotation(maxSizeMB, maxFiles int) Option {
	return func(o *options) {
		if maxSizeMB > 0 {
			o.maxSize = maxSizeMB
		}
		o.maxBackups = maxFiles
	}
}

func New(level zapcore.LevelEnabler, logFileName string, json bool, opts ...Option) *zap.Logger {
	o := options{maxSize: 500, maxAge: 28}
	for _, opt := range opts {
		opt(&o)
	}

	var encoder zapcore.Encoder
	if json {
		encoder = zapcore.NewJSONEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	consoleSyncer := zapcore.Lock(os.Stdout)
	var cores []zapcore.Core
	cores = append(cores, zapcore.NewCore(encoder, consoleSyncer, level))

	if logFileName != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   logFileName,
			MaxSize:    o.maxSize,
			MaxBackups: o.maxBackups,
			MaxAge:     o.maxAge,
			Compress:   true,
		}
		fs := zapcore.AddSync(fileLogger)
		cores = append(cores, zapcore.NewCore(encoder, fs, zap.DebugLevel))
	}

	return zap.New(zapcore.NewTee(cores...))
}

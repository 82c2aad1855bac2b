package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// log is set by Init, or lazily by Get
var log atomic.Pointer[zap.Logger]

// Options configures log output
type Options struct {
	Level      string
	Format     string // json or console
	Output     string // stdout or file
	FilePath   string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// Init initializes the logger
func Init(opts Options) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(opts.Level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if opts.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if opts.Output == "file" && opts.FilePath != "" {
		writeSyncer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxAge:     opts.MaxAgeDays,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, zapLevel)
	log.Store(zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)))

	return nil
}

// Get returns the logger instance
func Get() *zap.Logger {
	if l := log.Load(); l != nil {
		return l
	}
	l, _ := zap.NewProduction()
	log.CompareAndSwap(nil, l)
	return log.Load()
}

// Sugar returns a sugared logger
func Sugar() *zap.SugaredLogger {
	return Get().Sugar()
}

// Named returns a child logger scoped to a component
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

// With creates a child logger with additional fields
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	return Get().Sync()
}

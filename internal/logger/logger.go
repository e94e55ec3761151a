package logger

import (
	"log"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"ppegate/internal/config"
)

// Logger provides leveled logging (debug/info/warning/error) to rotated files and stdout/stderr.
type Logger struct {
	sugar  *zap.SugaredLogger
	logDir string
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(config *config.Config) *Logger {
	if err := os.MkdirAll(config.LogDirectory, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	minLevel, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		minLevel = zapcore.InfoLevel
	}

	logger := &Logger{logDir: config.LogDirectory}
	core := zapcore.NewTee(
		logger.consoleCore(minLevel),
		logger.fileCore("info.log", exactly(zapcore.InfoLevel, minLevel)),
		logger.fileCore("warning.log", exactly(zapcore.WarnLevel, minLevel)),
		logger.fileCore("error.log", zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapcore.ErrorLevel
		})),
	)

	logger.sugar = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	return logger
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func exactly(level, minLevel zapcore.Level) zapcore.LevelEnabler {
	return zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l == level && l >= minLevel
	})
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// consoleCore writes errors to stderr and everything else to stdout.
func (l *Logger) consoleCore(minLevel zapcore.Level) zapcore.Core {
	cfg := encoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(cfg)

	return zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= minLevel && lvl < zapcore.ErrorLevel
		})),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= zapcore.ErrorLevel
		})),
	)
}

// fileCore opens a size-rotated log file for one level.
func (l *Logger) fileCore(fileName string, enabler zapcore.LevelEnabler) zapcore.Core {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(l.logDir, fileName),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
	}
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(writer), enabler)
}

// Named returns a child logger whose entries are tagged with name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{sugar: l.sugar.Named(name), logDir: l.logDir}
}

// Debug writes a formatted debug-level log entry.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

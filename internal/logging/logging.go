// Package logging builds the zap logger: JSON to stdout, plus an optional
// rotating file sink, combined via a console/file/multi logger split.
package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how the logger writes. File is empty unless
// rotation or plain file logging is wanted; Rotation selects lumberjack
// over a plain append-only file handle.
type Config struct {
	Level      string
	File       string
	Rotation   bool
	Stdout     bool
	MaxSize    int
	MaxAge     int
	MaxBackups int
	LocalTime  bool
	Compress   bool
}

func parseLevel(s string) (zapcore.Level, bool) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, true
	case "debug":
		return zapcore.DebugLevel, true
	case "warn":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// Setup builds the application logger from cfg. bootstrap is used only to
// report a config error before the real logger exists.
func Setup(bootstrap *zap.Logger, cfg Config) *zap.Logger {
	if bootstrap == nil {
		bootstrap = zap.NewNop()
	}
	level, ok := parseLevel(cfg.Level)
	if !ok {
		bootstrap.Fatal("logger level invalid, must be one of: debug, info, warn, error")
	}

	consoleLogger := newJSONLogger(os.Stdout, level)
	var fileLogger *zap.Logger
	if cfg.Rotation {
		fileLogger = newRotatingFileLogger(bootstrap, cfg, level)
	} else if cfg.File != "" {
		fileLogger = newPlainFileLogger(bootstrap, cfg.File, level)
	}

	if fileLogger == nil {
		redirectStdLog(consoleLogger)
		return consoleLogger
	}

	multi := newMultiLogger(consoleLogger, fileLogger)
	if cfg.Stdout {
		redirectStdLog(multi)
		return multi
	}
	redirectStdLog(fileLogger)
	return fileLogger
}

func newPlainFileLogger(bootstrap *zap.Logger, fileName string, level zapcore.Level) *zap.Logger {
	f, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		bootstrap.Fatal("could not create log file", zap.Error(err))
		return nil
	}
	return newJSONLogger(f, level)
}

func newRotatingFileLogger(bootstrap *zap.Logger, cfg Config, level zapcore.Level) *zap.Logger {
	if cfg.File == "" {
		bootstrap.Fatal("rotating log file enabled but file name is empty")
		return nil
	}
	logDir := filepath.Dir(cfg.File)
	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			bootstrap.Fatal("could not create log directory", zap.Error(err))
			return nil
		}
	}

	// lumberjack.Logger is already safe for concurrent use.
	writeSyncer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  cfg.LocalTime,
		Compress:   cfg.Compress,
	})
	core := zapcore.NewCore(jsonEncoder(), writeSyncer, level)
	return zap.New(core, zap.AddCaller())
}

func newMultiLogger(loggers ...*zap.Logger) *zap.Logger {
	cores := make([]zapcore.Core, 0, len(loggers))
	for _, l := range loggers {
		cores = append(cores, l.Core())
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func newJSONLogger(output *os.File, level zapcore.Level) *zap.Logger {
	core := zapcore.NewCore(jsonEncoder(), zapcore.Lock(output), level)
	return zap.New(core, zap.AddCaller())
}

func jsonEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
}

type redirectWriter struct {
	logger *zap.Logger
}

func (r *redirectWriter) Write(p []byte) (int, error) {
	s := string(bytes.TrimSpace(p))
	if strings.HasPrefix(s, "http: panic serving") {
		r.logger.Error(s)
	} else {
		r.logger.Info(s)
	}
	return len(p), nil
}

// redirectStdLog sends anything written through the standard library's
// log package into logger instead, so a dependency that only knows about
// log.Print still ends up in the structured stream.
func redirectStdLog(logger *zap.Logger) {
	log.SetFlags(0)
	log.SetPrefix("")
	skipLogger := logger.WithOptions(zap.AddCallerSkip(3))
	log.SetOutput(&redirectWriter{skipLogger})
}

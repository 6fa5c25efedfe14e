// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"fmt"
	"parallelscsi/pkg/common"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	Error = LogLevel(iota)
	Warning
	Info
	Debug
)

// zap levels are inverted relative to LogLevel: the more verbose, the lower.
func (level LogLevel) zapLevel() zapcore.Level {
	switch level {
	case Error:
		return zapcore.ErrorLevel
	case Warning:
		return zapcore.WarnLevel
	case Info:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func ParseLogLevel(value string) (LogLevel, error) {
	switch value {
	case "error":
		return Error, nil
	case "warning", "warn":
		return Warning, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	}
	return Info, fmt.Errorf("unknown log level '%s'", value)
}

var logConfigLock = &sync.Mutex{}

type LoggingConfig struct {
	level     LogLevel
	atomic    zap.AtomicLevel
	root      logr.Logger
	zapLogger *zap.Logger
}

var logConfigInstance *LoggingConfig

// newZapConfig leaves the caller out: zap would always name this file, the
// real call site is attached by GetLogger.
func newZapConfig(atomicLevel zap.AtomicLevel) zap.Config {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = atomicLevel
	zapConfig.Encoding = "console"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.DisableStacktrace = true
	zapConfig.DisableCaller = true
	return zapConfig
}

func newLoggingConfig(level LogLevel) *LoggingConfig {
	atomicLevel := zap.NewAtomicLevelAt(level.zapLevel())
	zapLogger, err := newZapConfig(atomicLevel).Build()
	if err != nil {
		zapLogger = zap.NewNop()
	}
	return &LoggingConfig{
		level:     level,
		atomic:    atomicLevel,
		root:      zapr.NewLogger(zapLogger),
		zapLogger: zapLogger,
	}
}

func GetLoggingConfig() *LoggingConfig {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()
	if logConfigInstance == nil {
		logConfigInstance = newLoggingConfig(Info)
	}
	return logConfigInstance
}

func SetLoggingConfig(level LogLevel) {
	loggingConfig := GetLoggingConfig()
	logConfigLock.Lock()
	defer logConfigLock.Unlock()
	loggingConfig.level = level
	loggingConfig.atomic.SetLevel(level.zapLevel())
}

// SetSink replaces the root logger, tests use it to capture output.
func SetSink(root logr.Logger) {
	loggingConfig := GetLoggingConfig()
	logConfigLock.Lock()
	defer logConfigLock.Unlock()
	loggingConfig.root = root
}

// Sync flushes buffered zap output, call it before the process exits.
func Sync() {
	loggingConfig := GetLoggingConfig()
	_ = loggingConfig.zapLogger.Sync()
}

type Logger struct {
	level LogLevel
	sink  logr.Logger
}

func GetLogger() *Logger {
	loggingConfig := GetLoggingConfig()
	name := common.GetTraceInfo()
	logConfigLock.Lock()
	defer logConfigLock.Unlock()
	return &Logger{
		level: loggingConfig.level,
		sink:  loggingConfig.root.WithValues("caller", name),
	}
}

// Logr returns the structured logger behind this one.
func (logger Logger) Logr() logr.Logger {
	return logger.sink
}

func (logger Logger) Error(data ...any) {
	if logger.level >= Error {
		logger.sink.Error(nil, fmt.Sprint(data...))
	}
}

func (logger Logger) Warn(data ...any) {
	if logger.level >= Warning {
		logger.sink.Info(fmt.Sprint(data...), "severity", "warning")
	}
}

func (logger Logger) Warning(data ...any) {
	logger.Warn(data...)
}

func (logger Logger) Info(data ...any) {
	if logger.level >= Info {
		logger.sink.Info(fmt.Sprint(data...))
	}
}

func (logger Logger) Debug(data ...any) {
	if logger.level >= Debug {
		logger.sink.V(1).Info(fmt.Sprint(data...))
	}
}

func (logger Logger) Errorf(format string, a ...any) {
	logger.Error(fmt.Sprintf(format, a...))
}

func (logger Logger) Warnf(format string, a ...any) {
	logger.Warn(fmt.Sprintf(format, a...))
}

func (logger Logger) Warningf(format string, a ...any) {
	logger.Warnf(format, a...)
}

func (logger Logger) Infof(format string, a ...any) {
	logger.Info(fmt.Sprintf(format, a...))
}

func (logger Logger) Debugf(format string, a ...any) {
	logger.Debug(fmt.Sprintf(format, a...))
}

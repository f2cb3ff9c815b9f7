// Package logger provides component-tagged structured logging backed by zap.
package logger

import (
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = newDefaultLogger(false)
)

func newDefaultLogger(console bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if console {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// UseConsole switches the default logger to a human-readable console encoder.
func UseConsole() {
	mu.Lock()
	defer mu.Unlock()
	base = newDefaultLogger(true)
}

// SetLogger replaces the backing logger. Passing nil restores the default.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		base = newDefaultLogger(false)
		return
	}
	base = l
}

func SetLevel(l LogLevel) {
	level.SetLevel(toZapLevel(l))
}

func GetLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func toZapLevel(l LogLevel) zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logAt(l LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	lg := base
	mu.RUnlock()

	zl := toZapLevel(l)
	if !level.Enabled(zl) {
		return
	}
	zf := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		zf = append(zf, zap.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	if ce := lg.Check(zl, message); ce != nil {
		ce.Write(zf...)
	}
}

func Debug(message string) {
	logAt(DEBUG, "", message, nil)
}

func DebugC(component, message string) {
	logAt(DEBUG, component, message, nil)
}

func DebugCF(component, message string, f map[string]any) {
	logAt(DEBUG, component, message, f)
}

func Info(message string) {
	logAt(INFO, "", message, nil)
}

func InfoC(component, message string) {
	logAt(INFO, component, message, nil)
}

func InfoCF(component, message string, f map[string]any) {
	logAt(INFO, component, message, f)
}

func Warn(message string) {
	logAt(WARN, "", message, nil)
}

func WarnC(component, message string) {
	logAt(WARN, component, message, nil)
}

func WarnCF(component, message string, f map[string]any) {
	logAt(WARN, component, message, f)
}

func Error(message string) {
	logAt(ERROR, "", message, nil)
}

func ErrorC(component, message string) {
	logAt(ERROR, component, message, nil)
}

func ErrorCF(component, message string, f map[string]any) {
	logAt(ERROR, component, message, f)
}

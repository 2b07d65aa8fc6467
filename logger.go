package tunepipe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level log level
type Level int8

const (
	Debug Level = iota - 1
	Info
	Warn
	Error
)

// ParseLevel parses a level name such as "INFO" or "warning". Unknown names map to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is the logging interface used throughout tunepipe.
// Fields placed on ctx with WithLogFields are attached to every entry.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...interface{})
	Info(ctx context.Context, msg string, args ...interface{})
	Warn(ctx context.Context, msg string, args ...interface{})
	Error(ctx context.Context, msg string, args ...interface{})
}

type zapLogger struct {
	log *zap.Logger
}

// NewLogger creates a console logger writing to w.
func NewLogger(w io.Writer, level Level) Logger {
	return newZapLogger(w, level, false)
}

// NewJSONLogger creates a logger emitting one JSON object per entry, for production.
func NewJSONLogger(w io.Writer, level Level) Logger {
	return newZapLogger(w, level, true)
}

func newZapLogger(w io.Writer, level Level, json bool) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if json {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), level.zapLevel())
	return &zapLogger{log: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}
}

// FromZap adapts an existing zap logger, e.g. zaptest.NewLogger in tests.
func FromZap(log *zap.Logger) Logger {
	return &zapLogger{log: log.WithOptions(zap.AddCallerSkip(1))}
}

func (l *zapLogger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.write(ctx, zapcore.DebugLevel, msg, args)
}

func (l *zapLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.write(ctx, zapcore.InfoLevel, msg, args)
}

func (l *zapLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.write(ctx, zapcore.WarnLevel, msg, args)
}

func (l *zapLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.write(ctx, zapcore.ErrorLevel, msg, args)
}

func (l *zapLogger) write(ctx context.Context, lvl zapcore.Level, msg string, args []interface{}) {
	ce := l.log.Check(lvl, format(msg, args))
	if ce == nil {
		return
	}
	ce.Write(logFields(ctx)...)
}

func format(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

type logFieldsKey struct{}

// WithLogFields returns a context whose log entries carry the given key/value pairs.
func WithLogFields(ctx context.Context, kv ...string) context.Context {
	prev, _ := ctx.Value(logFieldsKey{}).([]zap.Field)
	fields := make([]zap.Field, 0, len(prev)+len(kv)/2)
	fields = append(fields, prev...)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, zap.String(kv[i], kv[i+1]))
	}
	return context.WithValue(ctx, logFieldsKey{}, fields)
}

func logFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(logFieldsKey{}).([]zap.Field)
	return fields
}

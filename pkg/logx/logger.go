package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const tsLayout = "2006-01-02T15:04:05.000Z07:00"

// Field attaches one key to a log line. Later keys overwrite earlier ones.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error so call sites can pass it unconditionally.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// Stack records a recovered goroutine stack; blank stacks are skipped.
func Stack(stack string) Field {
	if strings.TrimSpace(stack) == "" {
		return nil
	}
	return func(e *zerolog.Event) { e.Str("stack", stack) }
}

// Logger writes leveled lines with a fixed set of bound fields.
// A Logger obtained from New tracks the Service's current sinks across
// reloads; one from NewWriter is pinned to its writer. The zero Logger
// discards everything.
type Logger struct {
	svc    *Service
	pinned *zerolog.Logger
	bound  []Field
}

// Nop discards every line.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{pinned: &zl}
}

// NewWriter returns a JSON logger pinned to w. Used by tests and tools that
// run without a Service.
func NewWriter(w io.Writer, level string) Logger {
	zl := build(w, level)
	return Logger{pinned: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.pinned == nil && len(l.bound) == 0 }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.pinned != nil:
		return *l.pinned
	default:
		return zerolog.Nop()
	}
}

func (l Logger) Enabled(level Level) bool {
	return level >= l.sink().GetLevel()
}

// With returns a copy carrying fields on every line it writes.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.bound = make([]Field, 0, len(l.bound)+len(fields))
	out.bound = append(append(out.bound, l.bound...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// emit must be called directly from the level methods; the caller frame
// depth depends on it.
func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.sink()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if site := callSite(3); site != "" {
		e.Str(zerolog.CallerFieldName, site)
	}
	for _, set := range [2][]Field{l.bound, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// build is the one place zerolog loggers are assembled, so every sink shares
// the same timestamp layout and error key.
func build(w io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = tsLayout
	zerolog.ErrorFieldName = "err"
	return zerolog.New(w).Level(levelOr(level, LevelInfo)).With().Timestamp().Logger()
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   tsLayout,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

var levelNames = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

func levelOr(s string, def Level) Level {
	if lvl, ok := ParseLevel(s); ok {
		return lvl
	}
	return def
}

// ParseLevel maps a config level name, case-insensitively, to a Level.
func ParseLevel(s string) (Level, bool) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	return lvl, ok
}

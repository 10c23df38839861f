package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log level and output format.
type Config struct {
	Level  string `env:"CHATSYNC_LOG_LEVEL" envDefault:"info" yaml:"level"`
	Format string `env:"CHATSYNC_LOG_FORMAT" envDefault:"console" yaml:"format"` // "console" or "json"
}

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event. Fields are applied in order; later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// core is shared by a root Logger and everything derived from it with With(),
// so SetLevel on any of them applies to all.
type core struct {
	base  zerolog.Logger
	level atomic.Int32
}

// Logger is a small structured logger over zerolog.
// The zero value is a safe no-op logger.
type Logger struct {
	c      *core
	fields []Field
}

// New builds a root logger writing to stdout.
func New(cfg Config) Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter builds a root logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) Logger {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	var out io.Writer = w
	if !strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}
	c := &core{base: zerolog.New(out).With().Timestamp().Logger()}
	c.level.Store(int32(ParseLevel(cfg.Level, zerolog.InfoLevel)))
	return Logger{c: c}
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{} }

func (l Logger) IsZero() bool { return l.c == nil }

// SetLevel changes the level of this logger and every logger sharing its root.
func (l Logger) SetLevel(level string) {
	if l.c == nil {
		return
	}
	l.c.level.Store(int32(ParseLevel(level, zerolog.InfoLevel)))
}

// Enabled reports whether the given level would be logged.
func (l Logger) Enabled(level Level) bool {
	if l.c == nil {
		return false
	}
	return level >= Level(l.c.level.Load())
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}
	e := l.c.base.WithLevel(level)
	if e == nil {
		return
	}
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// ParseLevel maps a level name to a zerolog level, falling back to def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

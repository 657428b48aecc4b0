package logx

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Secret records only whether v is set. Use it for tokens and passwords.
func Secret(k, v string) Field {
	state := "unset"
	if strings.TrimSpace(v) != "" {
		state = "set"
	}
	return String(k, state)
}

// URL logs scheme, host and path only: userinfo, query and fragment can
// carry session tokens on portal pages.
func URL(k, raw string) Field {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return String(k, "<invalid url>")
	}
	return String(k, u.Scheme+"://"+u.Host+u.EscapedPath())
}

// Logger is a value-type structured logger. Loggers from a Service follow
// its Apply calls; the zero value drops everything.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

func Nop() Logger { return Logger{base: zerolog.Nop(), hasBase: true} }

// NewConsole is a standalone console logger for use before config is read.
func NewConsole(level string) Logger {
	setGlobals()
	return Logger{base: newRoot(newConsoleWriter(Stdout()), level, zerolog.InfoLevel), hasBase: true}
}

// NewWriter is a standalone JSON logger writing to w (tests).
func NewWriter(w io.Writer, level string) Logger {
	return Logger{base: newRoot(w, level, zerolog.DebugLevel), hasBase: true}
}

func newRoot(w io.Writer, level string, def zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, def)).With().Timestamp().Logger()
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	}
	return zerolog.Nop()
}

// With returns a derived logger carrying fields on every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	if strings.EqualFold(s, "warning") {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }

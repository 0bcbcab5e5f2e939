// Package util provides low-level helpers shared by all other packages.
package util

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Options configures a Logger built with New.
type Options struct {
	// Verbosity is 0 (errors only) to 3 (debug).
	Verbosity int
	// Format is "text" (default), "json", or "auto" (text on a terminal,
	// json otherwise).
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
	// Loki enables an additional push sink when URL is set.
	Loki LokiOptions
}

// Logger writes levelled messages through zerolog.  Text output uses the
// console writer, colourised only when the output is a terminal.
type Logger struct {
	level  LogLevel
	opts   Options
	sinks  []io.Writer
	fields [][2]string
	zl     zerolog.Logger
}

// NewLogger returns a text Logger on stderr that prints messages at or
// below the given verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	l := &Logger{level: LogLevel(verbosity), opts: Options{Verbosity: verbosity}}
	l.build()
	return l
}

// New builds a Logger from opts.  The returned cleanup flushes and stops
// any remote sink and must be called before exit.
func New(opts Options) (*Logger, func(), error) {
	l := &Logger{level: LogLevel(opts.Verbosity), opts: opts}
	cleanup := func() {}

	if opts.Loki.URL != "" {
		w, closer, err := newLokiWriter(opts.Loki)
		if err != nil {
			return nil, nil, err
		}
		l.sinks = append(l.sinks, w)
		cleanup = closer
	}

	l.build()
	return l, cleanup, nil
}

// Discard returns a Logger that drops everything.  Handy in tests.
func Discard() *Logger {
	l := &Logger{level: LogQuiet, zl: zerolog.Nop()}
	return l
}

func (l *Logger) build() {
	out := l.opts.Output
	if out == nil {
		out = os.Stderr
	}

	format := strings.ToLower(l.opts.Format)
	if format == "auto" {
		format = "json"
		if isTerminal(out) {
			format = "text"
		}
	}

	var primary io.Writer
	if format == "json" {
		primary = zerolog.SyncWriter(out)
	} else {
		cw := zerolog.ConsoleWriter{
			Out:        zerolog.SyncWriter(out),
			NoColor:    !isTerminal(out),
			TimeFormat: "15:04:05.000",
		}
		if l.level < LogDebug {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		primary = cw
	}

	writers := append([]io.Writer{primary}, l.sinks...)
	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerologLevel(l.level)).
		With().Timestamp()
	for _, f := range l.fields {
		ctx = ctx.Str(f[0], f[1])
	}
	l.zl = ctx.Logger()
}

func zerologLevel(v LogLevel) zerolog.Level {
	switch {
	case v <= LogQuiet:
		return zerolog.ErrorLevel
	case v == LogNormal:
		return zerolog.InfoLevel
	case v == LogVerbose:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.opts.Output = w
	l.build()
}

// With returns a child logger that tags every message with key=value.
func (l *Logger) With(key, value string) *Logger {
	child := &Logger{
		level:  l.level,
		opts:   l.opts,
		sinks:  l.sinks,
		fields: append(append([][2]string(nil), l.fields...), [2]string{key, value}),
	}
	child.zl = l.zl.With().Str(key, value).Logger()
	return child
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Info prints when verbosity ≥ 1.
func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Warn prints when verbosity ≥ 1.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Verbose prints when verbosity ≥ 2, at zerolog's debug level.
func (l *Logger) Verbose(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// Debug prints when verbosity ≥ 3, at zerolog's trace level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Trace().Msgf(format, args...)
}

// Error always prints regardless of verbosity.
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

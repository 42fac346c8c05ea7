package observability

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// StdLogger writes key=value lines through a standard library logger.
type StdLogger struct {
	out   *log.Logger
	debug bool
}

// NewStdLogger builds a Logger writing to w with the given prefix.
// Debug lines are dropped unless debug is set.
func NewStdLogger(w io.Writer, prefix string, debug bool) *StdLogger {
	return &StdLogger{out: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds), debug: debug}
}

// Std exposes the wrapped *log.Logger for APIs that take one.
func (l *StdLogger) Std() *log.Logger {
	return l.out
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l.debug {
		l.write("DEBUG", msg, fields)
	}
}

func (l *StdLogger) Info(msg string, fields ...Field) { l.write("INFO", msg, fields) }

func (l *StdLogger) Error(msg string, fields ...Field) { l.write("ERROR", msg, fields) }

func (l *StdLogger) write(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(f.Value))
	}
	l.out.Print(b.String())
}

func formatValue(v any) string {
	var s string
	switch val := v.(type) {
	case error:
		s = val.Error()
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}
	if s == "" || strings.ContainsAny(s, " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// Package logging defines the structured logger used across stage1.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/gologme/log"
)

// Logger provides structured logging for pipeline operations.
// This interface allows hosts to plug in their own logging implementation.
type Logger interface {
	// Debug logs debug-level messages with optional key-value pairs.
	Debug(msg string, keysAndValues ...interface{})

	// Info logs info-level messages with optional key-value pairs.
	Info(msg string, keysAndValues ...interface{})

	// Warn logs warning-level messages with optional key-value pairs.
	Warn(msg string, keysAndValues ...interface{})

	// Error logs error-level messages with optional key-value pairs.
	Error(msg string, keysAndValues ...interface{})
}

// noopLogger is a Logger implementation that does nothing.
// This is the default logger used when none is provided.
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (n *noopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (n *noopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (n *noopLogger) Error(msg string, keysAndValues ...interface{}) {}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &noopLogger{}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// gologmeLogger backs Logger with a leveled gologme logger.
type gologmeLogger struct {
	l *log.Logger
}

// NewGologme returns a Logger writing to w. With verbose set, debug
// messages are enabled too.
func NewGologme(w io.Writer, prefix string, verbose bool) Logger {
	l := log.New(w, prefix, log.LstdFlags)
	l.EnableLevel("info")
	l.EnableLevel("warn")
	l.EnableLevel("error")
	if verbose {
		l.EnableLevel("debug")
	}
	return &gologmeLogger{l: l}
}

func (g *gologmeLogger) Debug(msg string, kv ...interface{}) { g.l.Debugln(format(msg, kv)) }
func (g *gologmeLogger) Info(msg string, kv ...interface{})  { g.l.Infoln(format(msg, kv)) }
func (g *gologmeLogger) Warn(msg string, kv ...interface{})  { g.l.Warnln(format(msg, kv)) }
func (g *gologmeLogger) Error(msg string, kv ...interface{}) { g.l.Errorln(format(msg, kv)) }

// format renders msg followed by key=value pairs. A trailing key without a
// value is printed as key=MISSING.
func format(msg string, kv []interface{}) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&b, "%v=MISSING", kv[i])
		}
	}
	return b.String()
}

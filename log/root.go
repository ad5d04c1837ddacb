package log

import (
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var root atomic.Value

func init() {
	color := isatty.IsTerminal(os.Stderr.Fd())
	var out *TerminalHandler
	if color {
		out = NewTerminalHandler(colorable.NewColorableStderr(), true)
	} else {
		out = NewTerminalHandler(os.Stderr, false)
	}
	root.Store(&logger{slog.New(out)})
}

// SetDefault replaces the process-wide root logger.
func SetDefault(l Logger) {
	root.Store(l.(*logger))
}

// Root returns the process-wide root logger.
func Root() Logger { return root.Load().(*logger) }

// New returns a child of the root logger with the given context attached.
func New(ctx ...any) Logger { return Root().With(ctx...) }

func Trace(msg string, ctx ...any) { Root().Write(LevelTrace, msg, ctx...) }
func Debug(msg string, ctx ...any) { Root().Write(LevelDebug, msg, ctx...) }
func Info(msg string, ctx ...any)  { Root().Write(LevelInfo, msg, ctx...) }
func Warn(msg string, ctx ...any)  { Root().Write(LevelWarn, msg, ctx...) }
func Error(msg string, ctx ...any) { Root().Write(LevelError, msg, ctx...) }
func Crit(msg string, ctx ...any) {
	Root().Write(LevelCrit, msg, ctx...)
	os.Exit(1)
}

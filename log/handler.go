package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	timeFormat     = "01-02|15:04:05.000"
	termMsgJust    = 40
	escapeRequired = "\\\n\r\t\"="
)

// terminal colors by level
const (
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorYellow = "\x1b[33m"
	colorGreen  = "\x1b[32m"
	colorCyan   = "\x1b[36m"
	colorGray   = "\x1b[90m"
	colorMagena = "\x1b[35;1m"
)

func levelColor(l slog.Level) string {
	switch l {
	case LevelTrace:
		return colorGray
	case LevelDebug:
		return colorCyan
	case LevelInfo:
		return colorGreen
	case LevelWarn:
		return colorYellow
	case LevelError:
		return colorRed
	case LevelCrit:
		return colorMagena
	default:
		return colorReset
	}
}

// TerminalHandler renders records as aligned `LVL [ts] msg key=val` lines,
// optionally colorized.
type TerminalHandler struct {
	mu    sync.Mutex
	w     io.Writer
	level slog.Level
	color bool
	attrs []slog.Attr
}

// NewTerminalHandler creates a handler at info level.
func NewTerminalHandler(w io.Writer, color bool) *TerminalHandler {
	return NewTerminalHandlerWithLevel(w, LevelInfo, color)
}

// NewTerminalHandlerWithLevel creates a handler with an explicit level
// floor.
func NewTerminalHandlerWithLevel(w io.Writer, level slog.Level, color bool) *TerminalHandler {
	return &TerminalHandler{w: w, level: level, color: color}
}

func (h *TerminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TerminalHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder

	lvl := LevelString(r.Level)
	if h.color {
		sb.WriteString(levelColor(r.Level))
		sb.WriteString(lvl)
		sb.WriteString(colorReset)
	} else {
		sb.WriteString(lvl)
	}
	sb.WriteByte('[')
	sb.WriteString(r.Time.Format(timeFormat))
	sb.WriteString("] ")
	sb.WriteString(r.Message)

	// pad the message so attributes line up across records
	if pad := termMsgJust - len(r.Message); pad > 0 {
		sb.WriteString(strings.Repeat(" ", pad))
	}

	for _, attr := range h.attrs {
		writeAttr(&sb, attr, h.color)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(&sb, attr, h.color)
		return true
	})
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &TerminalHandler{w: h.w, level: h.level, color: h.color}
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return next
}

func (h *TerminalHandler) WithGroup(string) slog.Handler { return h }

func writeAttr(sb *strings.Builder, attr slog.Attr, color bool) {
	sb.WriteByte(' ')
	if color {
		sb.WriteString(colorGray)
		sb.WriteString(attr.Key)
		sb.WriteString(colorReset)
	} else {
		sb.WriteString(attr.Key)
	}
	sb.WriteByte('=')
	sb.WriteString(formatValue(attr.Value))
}

func formatValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindString:
		s = v.String()
	case slog.KindTime:
		s = v.Time().Format(timeFormat)
	case slog.KindDuration:
		s = v.Duration().String()
	default:
		s = fmt.Sprintf("%v", v.Any())
	}
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, escapeRequired) || strings.ContainsAny(s, " ") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// FileHandler writes uncolored records to a size-rotated log file.
func FileHandler(path string, level slog.Level) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    64, // MiB
		MaxBackups: 4,
		MaxAge:     28, // days
		Compress:   true,
	}
	return NewTerminalHandlerWithLevel(w, level, false)
}

// discardHandler swallows everything; the default before setup.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// DiscardHandler returns a handler that drops every record.
func DiscardHandler() slog.Handler { return discardHandler{} }

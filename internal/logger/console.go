package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
)

// levelColors maps the four slog levels to a fixed-width tag and its color.
var levelColors = map[slog.Level]struct{ tag, color string }{
	slog.LevelDebug: {"DEBU", "\033[36m"},
	slog.LevelInfo:  {"INFO", "\033[32m"},
	slog.LevelWarn:  {"WARN", "\033[33m"},
	slog.LevelError: {"ERRO", "\033[31m"},
}

// ConsoleHandler writes one line per record for a terminal: a dimmed clock
// time, a colored level tag, then message and attributes formatted as
// slog.TextHandler does.
type ConsoleHandler struct {
	text     slog.Handler
	w        io.Writer
	buf      *bytes.Buffer
	mu       *sync.Mutex
	showTime bool
}

// NewConsoleHandler returns a ConsoleHandler writing to w. opts.ReplaceAttr
// still applies to the message attributes.
func NewConsoleHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ConsoleHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || a.Key == slog.TimeKey) {
			return slog.Attr{}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}
	buf := &bytes.Buffer{}
	return &ConsoleHandler{
		text:     slog.NewTextHandler(buf, &o),
		w:        w,
		buf:      buf,
		mu:       &sync.Mutex{},
		showTime: showTime,
	}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.text.Enabled(ctx, l)
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.text.Handle(ctx, r); err != nil {
		return err
	}
	var line []byte
	if h.showTime && !r.Time.IsZero() {
		line = append(line, ansiDim...)
		line = r.Time.AppendFormat(line, time.TimeOnly+".000")
		line = append(line, ansiReset+" "...)
	}
	line = appendLevel(line, r.Level)
	line = append(line, ' ')
	line = append(line, h.buf.Bytes()...)
	_, err := h.w.Write(line)
	return err
}

// appendLevel tags custom levels (for example WARN+2) with the color of the
// nearest standard level below them.
func appendLevel(b []byte, l slog.Level) []byte {
	base := slog.LevelDebug
	for _, std := range []slog.Level{slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if l >= std {
			base = std
		}
	}
	lc := levelColors[base]
	tag := lc.tag
	if l != base {
		tag = l.String()
	}
	b = append(b, lc.color...)
	b = append(b, tag...)
	return append(b, ansiReset...)
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.text = h.text.WithAttrs(attrs)
	return &c
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.text = h.text.WithGroup(name)
	return &c
}

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// PrettyHandler is a slog.Handler for terminals:
//
//	[2006-01-02 15:04:05] INFO  weights loaded files=2 tensors=18 loader.go:189
//
// Handlers derived with WithAttrs or WithGroup share the writer lock.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	colors bool
	w      io.Writer
	mu     *sync.Mutex
	group  string
	attrs  []slog.Attr
}

// NewPrettyHandler returns a colored handler. Colors are disabled when the
// NO_COLOR environment variable is set.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	_, noColor := lookupEnv("NO_COLOR")
	return &PrettyHandler{
		opts:   *opts,
		colors: !noColor,
		w:      w,
		mu:     &sync.Mutex{},
	}
}

// WithoutColor returns a copy of h that writes plain text.
func (h *PrettyHandler) WithoutColor() *PrettyHandler {
	c := h.clone()
	c.colors = false
	return c
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 512)

	buf = h.paint(buf, colorGray)
	buf = append(buf, '[')
	buf = r.Time.AppendFormat(buf, time.DateTime)
	buf = append(buf, ']')
	buf = h.paint(buf, colorReset)
	buf = append(buf, ' ')

	buf = h.paint(buf, levelColor(r.Level))
	buf = h.paint(buf, colorBold)
	buf = append(buf, fmt.Sprintf("%-5s", r.Level.String())...)
	buf = h.paint(buf, colorReset)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	n := 0
	writeAttr := func(a slog.Attr, group string) {
		a.Value = a.Value.Resolve()
		if a.Equal(slog.Attr{}) {
			return
		}
		buf = append(buf, ' ')
		if n == 0 {
			buf = h.paint(buf, colorCyan)
		}
		n++
		buf = appendAttr(buf, a, group)
	}
	for _, a := range h.attrs {
		writeAttr(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a, h.group)
		return true
	})
	if n > 0 {
		buf = h.paint(buf, colorReset)
	}

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		if f.File != "" {
			buf = append(buf, ' ')
			buf = h.paint(buf, colorGray)
			buf = append(buf, filepath.Base(f.File)...)
			buf = append(buf, ':')
			buf = strconv.AppendInt(buf, int64(f.Line), 10)
			buf = h.paint(buf, colorReset)
		}
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs qualifies attrs with the current group so later groups do not
// rename them.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := h.clone()
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	if h.group != "" {
		c.group = h.group + "." + name
	} else {
		c.group = name
	}
	return c
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		opts:   h.opts,
		colors: h.colors,
		w:      h.w,
		mu:     h.mu,
		group:  h.group,
		attrs:  h.attrs,
	}
}

func (h *PrettyHandler) paint(buf []byte, code string) []byte {
	if !h.colors {
		return buf
	}
	return append(buf, code...)
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func appendAttr(buf []byte, attr slog.Attr, group string) []byte {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}

	if attr.Value.Kind() == slog.KindGroup {
		attrs := attr.Value.Group()
		if key == "" {
			// Inline an unnamed group.
			for i, a := range attrs {
				if i > 0 {
					buf = append(buf, ' ')
				}
				buf = appendAttr(buf, a, group)
			}
			return buf
		}
		for i, a := range attrs {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, a, key)
		}
		return buf
	}

	buf = append(buf, key...)
	buf = append(buf, '=')
	switch attr.Value.Kind() {
	case slog.KindString:
		buf = appendString(buf, attr.Value.String())
	case slog.KindTime:
		buf = attr.Value.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		buf = append(buf, attr.Value.Duration().String()...)
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok {
			buf = appendString(buf, err.Error())
			break
		}
		buf = appendString(buf, fmt.Sprint(attr.Value.Any()))
	default:
		buf = append(buf, attr.Value.String()...)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '=' {
			return true
		}
	}
	return false
}

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"strings"
	"sync"
)

// SyslogSlogHandler is an slog.Handler that forwards log records to the
// local syslog daemon in addition to a wrapped base handler (typically
// stderr). When the daemon detaches, the base handler is dropped and
// syslog becomes the only sink.
type SyslogSlogHandler struct {
	base   slog.Handler
	mu     sync.RWMutex
	writer *syslog.Writer
	attrs  []slog.Attr
	groups []string
}

// NewSyslogSlogHandler wraps a base slog.Handler with syslog forwarding.
func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base}
}

// SetWriter replaces the syslog writer. An old writer is closed.
func (h *SyslogSlogHandler) SetWriter(w *syslog.Writer) {
	h.mu.Lock()
	old := h.writer
	h.writer = w
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Close closes the syslog writer.
func (h *SyslogSlogHandler) Close() {
	h.SetWriter(nil)
}

// Enabled implements slog.Handler.
func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.mu.RLock()
	w := h.writer
	h.mu.RUnlock()

	if w != nil {
		msg := formatRecord(r, h.attrs, h.groups)
		switch {
		case r.Level >= slog.LevelError:
			w.Err(msg)
		case r.Level >= slog.LevelWarn:
			w.Warning(msg)
		case r.Level >= slog.LevelInfo:
			w.Notice(msg)
		default:
			w.Debug(msg)
		}
	}

	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithAttrs(attrs),
		writer: h.writer,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithGroup(name),
		writer: h.writer,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

// formatRecord produces a compact text representation of a log record.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)

	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if len(groups) > 0 {
			key = strings.Join(groups, ".") + "." + key
		}
		fmt.Fprintf(&b, " %s=%s", key, a.Value.String())
		return true
	})

	return b.String()
}

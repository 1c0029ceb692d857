package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// sanitizingHandler redacts records before they reach the output handler.
// Attribute keys that mark a value as secret redact the whole value:
// decrypted credential material has no recognizable shape for the pattern
// matcher to catch, so the key is the only reliable signal.
type sanitizingHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

func newSanitizingHandler(next slog.Handler, sanitizer *Sanitizer) *sanitizingHandler {
	return &sanitizingHandler{next: next, sanitizer: sanitizer}
}

func (h *sanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *sanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *sanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redact(a)
	}
	return newSanitizingHandler(h.next.WithAttrs(clean), h.sanitizer)
}

func (h *sanitizingHandler) WithGroup(name string) slog.Handler {
	return newSanitizingHandler(h.next.WithGroup(name), h.sanitizer)
}

func (h *sanitizingHandler) redact(a slog.Attr) slog.Attr {
	if h.sanitizer.SensitiveKey(a.Key) {
		return slog.String(a.Key, h.sanitizer.Redacted())
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.sanitizer.Sanitize(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		clean := make([]slog.Attr, len(members))
		for i, m := range members {
			clean[i] = h.redact(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	default:
		return a
	}
}

// consoleHandler writes compact colorized lines for interactive terminals.
// JSON output is the non-TTY default; this handler exists so that running
// `pulsed run` in a shell stays readable.
type consoleHandler struct {
	mu     sync.Mutex
	w      io.Writer
	level  slog.Level
	attrs  []slog.Attr
	prefix string // dotted group path applied to attr keys
}

func newConsoleHandler(w io.Writer, level slog.Level) *consoleHandler {
	return &consoleHandler{w: w, level: level}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		h.writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &consoleHandler{w: h.w, level: h.level, attrs: merged, prefix: h.prefix}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{w: h.w, level: h.level, attrs: h.attrs, prefix: h.prefix + name + "."}
}

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed + "ERR" + ansiReset
	case level >= slog.LevelWarn:
		return ansiYellow + "WRN" + ansiReset
	case level >= slog.LevelInfo:
		return ansiBlue + "INF" + ansiReset
	default:
		return ansiGray + "DBG" + ansiReset
	}
}

func (h *consoleHandler) writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Value.Kind() == slog.KindGroup {
		sub := &consoleHandler{prefix: h.prefix + a.Key + "."}
		for _, m := range a.Value.Group() {
			sub.writeAttr(b, m)
		}
		return
	}
	fmt.Fprintf(b, " %s%s%s%s=%v", ansiCyan, h.prefix, a.Key, ansiReset, a.Value.Any())
}

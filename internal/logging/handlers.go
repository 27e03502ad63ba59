package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
)

func newJSONHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.String("ts", attr.Value.Time().UTC().Format(time.RFC3339))
			case slog.LevelKey:
				return slog.String("level", strings.ToLower(attr.Value.String()))
			case slog.SourceKey:
				if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
					return slog.String("source", sourceRef(src.File, src.Line))
				}
			}
			return attr
		},
	})
}

// scopeKeys render as a bracketed tag after the message instead of key=value
// pairs.
var scopeKeys = []string{FieldRunID, FieldStage, FieldAttempt}

// consoleHandler writes
//
//	ts LEVEL component: msg [run 7 research attempt 2] key=value
type consoleHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     *slog.LevelVar
	bound     []field
	prefix    string
	addSource bool
	color     bool
}

type field struct {
	key   string
	value slog.Value
}

func newConsoleHandler(w io.Writer, lvl *slog.LevelVar, addSource, color bool) slog.Handler {
	return &consoleHandler{mu: &sync.Mutex{}, out: w, level: lvl, addSource: addSource, color: color}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.bound = append([]field(nil), h.bound...)
	for _, attr := range attrs {
		next.bound = appendField(next.bound, h.prefix, attr)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.prefix = joinKey(h.prefix, name)
	return &next
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	fields := append([]field(nil), h.bound...)
	record.Attrs(func(attr slog.Attr) bool {
		fields = appendField(fields, h.prefix, attr)
		return true
	})

	// Later values win, so a record attr overrides a bound one.
	lifted := map[string]string{}
	tail := fields[:0]
	for _, f := range fields {
		if f.key == FieldComponent || isScopeKey(f.key) {
			lifted[f.key] = plain(f.value)
			continue
		}
		tail = append(tail, f)
	}

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(h.levelLabel(record.Level))
	b.WriteByte(' ')
	if component := lifted[FieldComponent]; component != "" {
		b.WriteString(component)
		b.WriteString(": ")
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	b.WriteString(msg)
	if scope := scopeTag(lifted); scope != "" {
		b.WriteString(" [")
		b.WriteString(scope)
		b.WriteByte(']')
	}
	if h.addSource {
		if src := record.Source(); src != nil {
			b.WriteString(" (")
			b.WriteString(sourceRef(src.File, src.Line))
			b.WriteByte(')')
		}
	}
	for _, f := range tail {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(quoted(plain(f.value)))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func scopeTag(lifted map[string]string) string {
	parts := make([]string, 0, len(scopeKeys))
	if run := lifted[FieldRunID]; run != "" {
		parts = append(parts, "run "+run)
	}
	if stage := lifted[FieldStage]; stage != "" {
		parts = append(parts, stage)
	}
	if attempt := lifted[FieldAttempt]; attempt != "" {
		parts = append(parts, "attempt "+attempt)
	}
	return strings.Join(parts, " ")
}

func isScopeKey(key string) bool {
	for _, k := range scopeKeys {
		if k == key {
			return true
		}
	}
	return false
}

var levelColors = map[slog.Level]text.Color{
	slog.LevelDebug: text.FgHiBlack,
	slog.LevelInfo:  text.FgCyan,
	slog.LevelWarn:  text.FgYellow,
	slog.LevelError: text.FgRed,
}

func (h *consoleHandler) levelLabel(level slog.Level) string {
	bucket := slog.LevelDebug
	switch {
	case level >= slog.LevelError:
		bucket = slog.LevelError
	case level >= slog.LevelWarn:
		bucket = slog.LevelWarn
	case level >= slog.LevelInfo:
		bucket = slog.LevelInfo
	}
	label := bucket.String()
	if h.color {
		return levelColors[bucket].Sprint(label)
	}
	return label
}

func appendField(dst []field, prefix string, attr slog.Attr) []field {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return dst
	}
	if attr.Value.Kind() == slog.KindGroup {
		for _, inner := range attr.Value.Group() {
			dst = appendField(dst, joinKey(prefix, attr.Key), inner)
		}
		return dst
	}
	return append(dst, field{key: joinKey(prefix, attr.Key), value: attr.Value})
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}

func plain(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoted(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\r=\"") {
		return strconv.Quote(s)
	}
	return s
}

func sourceRef(file string, line int) string {
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Package telemetry provides the structured diagnostic logger and the OTel
// instrumentation used by the runtime. The logger emits one JSON object per
// line on the diagnostic stream, never the protocol stream, and treats every
// caller-supplied value as immutable: redaction and sanitization operate on
// deep copies produced just before serialization.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the logger severity.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the canonical lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// ParseLevel converts a level name into a Level. Unknown names default to
// info with an error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// DefaultRedactKeys is the deny-list applied when Options.RedactKeys is nil.
// Matching is case-insensitive on the property name.
var DefaultRedactKeys = []string{
	"token", "key", "secret", "password", "apikey", "authorization",
	"bearer", "session", "cookie",
}

// RedactedSentinel replaces values whose key matches the deny-list.
const RedactedSentinel = "[REDACTED]"

// defaultMaxLineBytes bounds a serialized log line when no budget is given.
const defaultMaxLineBytes = 16 * 1024

// truncationMarker is appended when a serialized line exceeds the budget.
const truncationMarker = `...[truncated]`

type (
	// Fields carries structured context for a single log call or a child
	// logger. The logger never mutates a Fields value it receives.
	Fields map[string]any

	// Options configures a root Logger.
	Options struct {
		// Writer is the diagnostic stream. Defaults to os.Stderr.
		Writer io.Writer
		// Level is the minimum severity emitted. Defaults to LevelInfo.
		Level Level
		// RedactKeys overrides DefaultRedactKeys when non-nil.
		RedactKeys []string
		// MaxLineBytes bounds a serialized line; longer lines are truncated
		// with a marker. Defaults to 16 KiB. Negative disables the bound.
		MaxLineBytes int
		// Now supplies timestamps. Defaults to time.Now in UTC.
		Now func() time.Time
	}

	// Logger emits structured JSON lines. It is immutable: Child returns a
	// new logger and never touches its parent. Safe for concurrent use.
	Logger struct {
		out      io.Writer
		mu       *sync.Mutex
		level    Level
		redact   map[string]struct{}
		maxBytes int
		now      func() time.Time
		bound    Fields
	}
)

// New constructs a root Logger from the given options.
func New(opts Options) *Logger {
	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}
	keys := opts.RedactKeys
	if keys == nil {
		keys = DefaultRedactKeys
	}
	redact := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		redact[strings.ToLower(k)] = struct{}{}
	}
	maxBytes := opts.MaxLineBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxLineBytes
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Logger{
		out:      out,
		mu:       &sync.Mutex{},
		level:    opts.Level,
		redact:   redact,
		maxBytes: maxBytes,
		now:      now,
		bound:    Fields{},
	}
}

// Child returns a logger that merges ctx into every subsequent entry. The
// parent and the supplied ctx are left untouched; writes share the parent's
// stream and serialization lock.
func (l *Logger) Child(ctx Fields) *Logger {
	bound := make(Fields, len(l.bound)+len(ctx))
	for k, v := range l.bound {
		bound[k] = v
	}
	for k, v := range ctx {
		bound[k] = v
	}
	child := *l
	child.bound = bound
	return &child
}

// Debug emits a debug-level entry.
func (l *Logger) Debug(msg string, ctx Fields) { l.emit(LevelDebug, msg, ctx) }

// Info emits an info-level entry.
func (l *Logger) Info(msg string, ctx Fields) { l.emit(LevelInfo, msg, ctx) }

// Warn emits a warn-level entry.
func (l *Logger) Warn(msg string, ctx Fields) { l.emit(LevelWarn, msg, ctx) }

// Error emits an error-level entry.
func (l *Logger) Error(msg string, ctx Fields) { l.emit(LevelError, msg, ctx) }

func (l *Logger) emit(level Level, msg string, ctx Fields) {
	if level < l.level {
		return
	}

	// Enrich: non-mutating top-level merge of bound context and call fields.
	merged := make(Fields, len(l.bound)+len(ctx))
	for k, v := range l.bound {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}

	// Redact and sanitize on a deep copy; caller data stays untouched.
	scrubbed := make(Fields, len(merged))
	for k, v := range merged {
		if _, deny := l.redact[strings.ToLower(k)]; deny {
			scrubbed[k] = RedactedSentinel
			continue
		}
		scrubbed[k] = l.scrub(v)
	}

	line := l.serialize(level, msg, scrubbed)
	truncated := false
	if l.maxBytes > 0 && len(line) > l.maxBytes {
		cut := l.maxBytes - len(truncationMarker)
		if cut < 0 {
			cut = 0
		}
		line = append(line[:cut], truncationMarker...)
		truncated = true
	}
	line = append(line, '\n')

	l.mu.Lock()
	l.out.Write(line) //nolint:errcheck // diagnostic stream write failures are unreportable
	l.mu.Unlock()

	if truncated && level < LevelWarn {
		l.Warn("log line truncated", Fields{"limitBytes": l.maxBytes})
	} else if truncated && level >= LevelWarn {
		// Avoid recursing on an already-truncated warn/error entry; record
		// the truncation with a minimal fixed-size line instead.
		small := l.serialize(LevelWarn, "log line truncated", Fields{"limitBytes": l.maxBytes})
		small = append(small, '\n')
		l.mu.Lock()
		l.out.Write(small) //nolint:errcheck
		l.mu.Unlock()
	}
}

// RedactValue returns a deep copy of v with the logger's deny-list applied,
// exactly as a logged value would be scrubbed. Callers use it to redact data
// that leaves the process through channels other than the log stream.
func (l *Logger) RedactValue(v any) any {
	return l.scrub(v)
}

// scrub deep-copies v, redacting map properties whose key is deny-listed and
// sanitizing every string it encounters. Array elements are traversed but are
// not redacted by the parent key: the key belongs to the parent property.
func (l *Logger) scrub(v any) any {
	switch t := v.(type) {
	case string:
		return sanitizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			if _, deny := l.redact[strings.ToLower(k)]; deny {
				out[k] = RedactedSentinel
				continue
			}
			out[k] = l.scrub(vv)
		}
		return out
	case Fields:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			if _, deny := l.redact[strings.ToLower(k)]; deny {
				out[k] = RedactedSentinel
				continue
			}
			out[k] = l.scrub(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = l.scrub(vv)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = sanitizeString(s)
		}
		return out
	case error:
		return sanitizeString(t.Error())
	default:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
			return l.scrubComposite(v)
		}
		return v
	}
}

// scrubComposite round-trips a typed composite (struct, typed map or slice)
// through its JSON form so its nested properties get the same redaction and
// sanitization as untyped values. Values that cannot round-trip fail closed.
func (l *Logger) scrubComposite(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("unserializable: %v", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return RedactedSentinel
	}
	return l.scrub(generic)
}

// serialize renders one JSON object with timestamp, level, and message first
// and the remaining context keys in sorted order for deterministic output.
func (l *Logger) serialize(level Level, msg string, ctx Fields) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"timestamp":`)
	writeJSON(&buf, l.now().Format("2006-01-02T15:04:05.000Z07:00"))
	buf.WriteString(`,"level":`)
	writeJSON(&buf, level.String())
	buf.WriteString(`,"message":`)
	writeJSON(&buf, sanitizeString(msg))

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		switch k {
		case "timestamp", "level", "message":
			// Reserved names; context must not shadow them.
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte(',')
		writeJSON(&buf, k)
		buf.WriteByte(':')
		writeJSON(&buf, ctx[k])
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeJSON(buf *bytes.Buffer, v any) {
	enc, err := json.Marshal(v)
	if err != nil {
		enc, _ = json.Marshal(fmt.Sprintf("unserializable: %v", err))
	}
	buf.Write(enc)
}

// sanitizeString escapes C0 control characters so a value can never break
// the one-line framing of the diagnostic stream. Newline, tab, and carriage
// return use their canonical short escapes; other control characters use
// \uXXXX form. Non-control characters pass through unchanged.
func sanitizeString(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r < 0x20 }) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\r':
			b.WriteString(`\r`)
		case r < 0x20:
			fmt.Fprintf(&b, `\u%04X`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

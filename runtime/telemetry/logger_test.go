package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	return func() time.Time { return at }
}

func newTestLogger(buf *bytes.Buffer, opts ...func(*Options)) *Logger {
	o := Options{Writer: buf, Level: LevelDebug, Now: fixedClock()}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	scanner := bufio.NewScanner(buf)
	require.True(t, scanner.Scan(), "expected at least one log line")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	return entry
}

func TestEmitRequiredFields(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)
	log.Info("server started", Fields{"transport": "stdio"})

	entry := decodeLine(t, &buf)
	assert.Equal(t, "2025-03-14T09:26:53.589Z", entry["timestamp"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "server started", entry["message"])
	assert.Equal(t, "stdio", entry["transport"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, func(o *Options) { o.Level = LevelWarn })
	log.Debug("hidden", nil)
	log.Info("hidden", nil)
	log.Warn("visible", nil)
	lines := strings.Count(buf.String(), "\n")
	assert.Equal(t, 1, lines)
}

func TestChildMergesWithoutMutation(t *testing.T) {
	var buf bytes.Buffer
	parentCtx := Fields{"component": "coordinator"}
	log := newTestLogger(&buf).Child(parentCtx)

	childCtx := Fields{"agentId": "a1"}
	child := log.Child(childCtx)
	child.Info("dispatch", Fields{"seq": 3})

	entry := decodeLine(t, &buf)
	assert.Equal(t, "coordinator", entry["component"])
	assert.Equal(t, "a1", entry["agentId"])
	assert.Equal(t, float64(3), entry["seq"])

	// Supplied contexts are observably unchanged.
	assert.Equal(t, Fields{"component": "coordinator"}, parentCtx)
	assert.Equal(t, Fields{"agentId": "a1"}, childCtx)
}

func TestRedactionNestedAndCaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)
	input := Fields{
		"Token": "abc123",
		"request": map[string]any{
			"Authorization": "Bearer xyz",
			"path":          "/v1/tools",
			"headers": map[string]any{
				"Cookie": "sid=1",
			},
		},
	}
	log.Info("inbound", input)

	entry := decodeLine(t, &buf)
	assert.Equal(t, RedactedSentinel, entry["Token"])
	req := entry["request"].(map[string]any)
	assert.Equal(t, RedactedSentinel, req["Authorization"])
	assert.Equal(t, "/v1/tools", req["path"])
	headers := req["headers"].(map[string]any)
	assert.Equal(t, RedactedSentinel, headers["Cookie"])

	// Caller data stays intact after the call.
	assert.Equal(t, "abc123", input["Token"])
	assert.Equal(t, "Bearer xyz", input["request"].(map[string]any)["Authorization"])
}

func TestRedactionAppliesToTypedComposites(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	type dbCreds struct {
		User  string `json:"user"`
		Token string `json:"token"`
	}
	log.Info("connect", Fields{
		"env":   map[string]string{"password": "hunter2", "host": "db-1"},
		"creds": dbCreds{User: "alice", Token: "tok-1"},
		"hops":  []map[string]string{{"apiKey": "k-9", "addr": "10.0.0.2"}},
	})

	raw := buf.String()
	entry := decodeLine(t, &buf)

	env := entry["env"].(map[string]any)
	assert.Equal(t, RedactedSentinel, env["password"])
	assert.Equal(t, "db-1", env["host"])

	creds := entry["creds"].(map[string]any)
	assert.Equal(t, "alice", creds["user"])
	assert.Equal(t, RedactedSentinel, creds["token"])

	hop := entry["hops"].([]any)[0].(map[string]any)
	assert.Equal(t, RedactedSentinel, hop["apiKey"])
	assert.Equal(t, "10.0.0.2", hop["addr"])

	assert.NotContains(t, raw, "hunter2")
	assert.NotContains(t, raw, "tok-1")
	assert.NotContains(t, raw, "k-9")
}

func TestArrayElementsNotRedactedByParentKey(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)
	log.Info("batch", Fields{
		"sessions": []any{"s1", "s2", map[string]any{"password": "p"}},
	})

	entry := decodeLine(t, &buf)
	// The key "sessions" matches the deny-list ("session" does; "sessions"
	// does not), so elements are traversed individually.
	arr := entry["sessions"].([]any)
	assert.Equal(t, "s1", arr[0])
	assert.Equal(t, "s2", arr[1])
	assert.Equal(t, RedactedSentinel, arr[2].(map[string]any)["password"])
}

func TestSanitizeControlCharacters(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)
	log.Info("payload", Fields{"body": "line1\nline2\tend\x01"})

	// decodeLine consumes the buffer, so snapshot the raw output first.
	raw := buf.String()
	entry := decodeLine(t, &buf)
	assert.Equal(t, "line1\\nline2\\tend\\u0001", entry["body"])
	// The physical output is still exactly one line plus terminator.
	assert.Equal(t, 1, strings.Count(raw, "\n"))
}

func TestTruncation(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf, func(o *Options) { o.MaxLineBytes = 256 })
	log.Info("big", Fields{"blob": strings.Repeat("x", 2048)})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2, "truncated entry plus warn report")
	assert.LessOrEqual(t, len(lines[0]), 256)
	assert.True(t, strings.HasSuffix(lines[0], truncationMarker))

	var warnEntry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &warnEntry))
	assert.Equal(t, "warn", warnEntry["level"])
	assert.Equal(t, "log line truncated", warnEntry["message"])
}

// TestRedactionCoverageProperty checks that for any generated nested object,
// every property named with a deny-listed key carries the sentinel at any
// depth, and every other string property survives byte-identical (no control
// characters are generated).
func TestRedactionCoverageProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	safeKeys := []string{"name", "path", "detail", "agent"}
	denyKeys := []string{"token", "Secret", "apiKey", "PASSWORD"}

	properties.Property("deny-listed keys carry the sentinel at all depths", prop.ForAll(
		func(depth int, pickDeny bool, value string) bool {
			var buf bytes.Buffer
			log := newTestLogger(&buf)

			key := safeKeys[depth%len(safeKeys)]
			if pickDeny {
				key = denyKeys[depth%len(denyKeys)]
			}

			// Build a nested object with the chosen key at the innermost level.
			inner := map[string]any{key: value}
			var obj any = inner
			for i := 0; i < depth%4; i++ {
				obj = map[string]any{"nest": obj}
			}
			log.Info("probe", Fields{"root": obj})

			entry := decodeLine(t, &buf)
			node := entry["root"]
			for i := 0; i < depth%4; i++ {
				node = node.(map[string]any)["nest"]
			}
			got := node.(map[string]any)[key]
			if pickDeny {
				return got == RedactedSentinel
			}
			return got == value
		},
		gen.IntRange(0, 16),
		gen.Bool(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestLoggerConcurrentUse(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				log.Child(Fields{"worker": n}).Info("tick", Fields{"j": j})
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	// Every line must parse: interleaved writes may not corrupt framing.
	scanner := bufio.NewScanner(&buf)
	count := 0
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		count++
	}
	assert.Equal(t, 400, count)
}

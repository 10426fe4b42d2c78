package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesServiceAndTraceID(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "svc", func(context.Context) string { return "trace-1" })

	log.With("component", "tasks").Info(context.Background(), "hello", "task_id", "t1")
	log.Debug(context.Background(), "filtered")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["msg"])
	assert.Equal(t, "svc", lines[0]["service"])
	assert.Equal(t, "tasks", lines[0]["component"])
	assert.Equal(t, "t1", lines[0]["task_id"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
}

func TestLogger_ErrorEventFires(t *testing.T) {
	var (
		buf bytes.Buffer
		got Record
	)
	events := Events{Error: func(_ context.Context, r Record) { got = r }}
	log := NewWithMetadata(&buf, LevelDebug, "svc", nil, events, map[string]string{"hostname": "h1"})

	log.Error(context.Background(), "boom", "error", "bad")

	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "bad", got.Attributes["error"])

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "h1", lines[0]["hostname"])
}

func TestLoggerContext_AccumulatesAttributes(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "svc", nil))

	lc.Add("scan_id", "s1")
	lc.Info(context.Background(), "first")
	lc.Add("count", 3)
	lc.Warn(context.Background(), "second")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "s1", lines[0]["scan_id"])
	assert.NotContains(t, lines[0], "count")
	assert.Equal(t, float64(3), lines[1]["count"])
}

func TestNoop_DiscardsEverything(t *testing.T) {
	log := Noop().With("k", "v")
	log.Error(context.Background(), "ignored")
	assert.True(t, log.discard)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "INFO", want: LevelInfo},
		{in: "warn", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "loud", want: LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

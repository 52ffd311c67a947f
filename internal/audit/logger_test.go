package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint(testToken)
	assert.Len(t, fp, 12)
	assert.Equal(t, fp, Fingerprint(testToken))
	assert.NotEqual(t, fp, Fingerprint(strings.Repeat("0", 64)))
	assert.NotContains(t, testToken, fp)
}

func TestLoggerNeverWritesToken(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.Record(context.Background(), Event{Action: ActionConsume, Token: testToken})
	l.Record(context.Background(), Event{Action: ActionDeny, Token: testToken, Reason: ReasonPINInvalid})

	assert.NotContains(t, buf.String(), testToken)
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "consume", lines[0]["action"])
	assert.Equal(t, Fingerprint(testToken), lines[0]["secret"])
	assert.Equal(t, "audit", lines[0]["component"])
	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "pin_invalid", lines[1]["reason"])
}

func TestLoggerPrefersContextLogger(t *testing.T) {
	var base, scoped bytes.Buffer
	l := NewLogger(zerolog.New(&base))

	ctxLogger := zerolog.New(&scoped).With().Str("request_id", "req-1").Logger()
	ctx := ctxLogger.WithContext(context.Background())
	l.Record(ctx, Event{Action: ActionCleanup, Count: 3})

	assert.Empty(t, base.String())
	lines := decodeLines(t, &scoped)
	require.Len(t, lines, 1)
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.EqualValues(t, 3, lines[0]["deleted"])
	assert.NotContains(t, lines[0], "secret")
}

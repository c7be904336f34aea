package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Printf_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.Printf("splitting %s seq=%d", "gps_report", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "splitting gps_report seq=42", rec["msg"])
	assert.Equal(t, "INFO", rec["level"])
}

func TestLogger_With_AttachesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(slog.NewJSONHandler(&buf, nil)).With("role", "generator", "field", "speed")

	l.Info("computed value")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "generator", rec["role"])
	assert.Equal(t, "speed", rec["field"])
}

func TestDiscard_DoesNotPanic(t *testing.T) {
	l := Discard()
	assert.NotPanics(t, func() {
		l.Info("ignored")
		l.Errorf("ignored %d", 1)
	})
}

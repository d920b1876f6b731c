package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithUTCTimestamps(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn)

	logger.Info("below threshold")
	logger.Warn("kept", "tag", "alpha")

	line := strings.TrimSpace(buf.String())
	require.NotContains(t, line, "below threshold")

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	require.Equal(t, "kept", rec["msg"])
	require.Equal(t, "WARN", rec["level"])
	require.Equal(t, "alpha", rec["tag"])

	stamp, err := time.Parse(time.RFC3339Nano, rec["time"].(string))
	require.NoError(t, err)
	require.Equal(t, time.UTC, stamp.Location())
}

func TestFromSlogRoutesThroughWrappedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := FromSlog(New(&buf, slog.LevelDebug))

	logger.Debug("lookup", "attempts", 3)
	logger.Error("lookup failed")

	out := buf.String()
	require.Contains(t, out, `"msg":"lookup"`)
	require.Contains(t, out, `"attempts":3`)
	require.Contains(t, out, `"msg":"lookup failed"`)
}

func TestFromSlogNilWrapsDefault(t *testing.T) {
	require.NotNil(t, FromSlog(nil))
}

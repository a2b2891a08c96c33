package log

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	forestopsErrors "github.com/YuminosukeSato/forestops/pkg/errors"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

// setupJSON installs a JSON provider writing to a buffer and restores the
// previous provider when the test ends.
func setupJSON(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	providerMu.RLock()
	prev := provider
	providerMu.RUnlock()
	t.Cleanup(func() {
		SetProvider(prev)
		forestopsErrors.SetZerologWarnFunc(nil)
	})

	buf := &bytes.Buffer{}
	closeFn, err := SetupLogger(Config{Level: level, Format: "json", Output: buf})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return buf
}

func TestToLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ToLogLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupLogger_JSONFieldsAndComponent(t *testing.T) {
	buf := setupJSON(t, "info")

	GetLoggerWithName("tracking").With(RunIDKey, "abc").Info("Run started",
		DatasetKey, "iris",
		EstimatorsKey, 100,
	)
	GetLogger().Debug("filtered out")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Run started", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "tracking", lines[0][ComponentKey])
	assert.Equal(t, "abc", lines[0][RunIDKey])
	assert.Equal(t, "iris", lines[0][DatasetKey])
	assert.EqualValues(t, 100, lines[0][EstimatorsKey])
}

func TestSetupLogger_LeadingErrorCarriesStack(t *testing.T) {
	buf := setupJSON(t, "debug")

	err := forestopsErrors.New("store unavailable")
	GetLogger().Error("Run failed", err, RunIDKey, "r1")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "store unavailable", lines[0][ErrAttrKey])
	assert.Contains(t, lines[0][StacktraceAttrKey], "TestSetupLogger_LeadingErrorCarriesStack")
	assert.Equal(t, "r1", lines[0][RunIDKey])
}

func TestSetupLogger_RoutesWarnings(t *testing.T) {
	buf := setupJSON(t, "info")

	forestopsErrors.Warn(forestopsErrors.NewUndefinedMetricWarning("precision", "no predicted samples for label 2", 0))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Contains(t, lines[0]["message"], "'precision' is ill-defined")
	assert.Contains(t, lines[0][ErrorTypeKey], "UndefinedMetricWarning")
}

func TestSetupLogger_RejectsBadConfig(t *testing.T) {
	_, err := SetupLogger(Config{Level: "loud"})
	require.Error(t, err)

	_, err = SetupLogger(Config{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestSetupLogger_RotatingFile(t *testing.T) {
	providerMu.RLock()
	prev := provider
	providerMu.RUnlock()
	t.Cleanup(func() {
		SetProvider(prev)
		forestopsErrors.SetZerologWarnFunc(nil)
	})

	path := filepath.Join(t.TempDir(), "forestops.log")
	closeFn, err := SetupLogger(Config{
		Level:      "info",
		Format:     "json",
		Output:     &bytes.Buffer{},
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 2,
	})
	require.NoError(t, err)

	GetLogger().Info("written to file", DatasetKey, "wine")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"dataset.name":"wine"`)
}

func TestZerologLogger_Enabled(t *testing.T) {
	setupJSON(t, "warn")
	l := GetLogger()
	ctx := context.Background()
	assert.False(t, l.Enabled(ctx, LevelInfo))
	assert.True(t, l.Enabled(ctx, LevelWarn))
	assert.True(t, l.Enabled(ctx, LevelError))
}

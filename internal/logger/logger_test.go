package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/internal/models"
	"marketplace/internal/version"
)

var testInfo = version.Info{Version: "v0.0.1", GitCommit: "abc1234", BuildDate: "2026-10-01", InstanceID: "i-1"}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input     string
		expected  slog.Level
		expectErr bool
	}{
		{input: "debug", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: "warn", expected: slog.LevelWarn},
		{input: "error", expected: slog.LevelError},
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "invalid", expectErr: true},
		{input: "", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestSetup_StdStreams(t *testing.T) {
	for _, output := range []string{"stdout", "stderr"} {
		t.Run(output, func(t *testing.T) {
			logger, closer, err := Setup(models.LoggingConfig{Level: "info", Format: "json", Output: output}, testInfo)
			require.NoError(t, err)
			assert.Nil(t, closer)
			assert.NotNil(t, logger)
		})
	}
}

func TestSetup_FileOutputCarriesVersion(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "marketplace.log")

	logger, closer, err := Setup(models.LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: logFile}, testInfo)
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()

	logger.Info("contact request created", "request_id", "r-1")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "contact request created", entry["msg"])
	assert.Equal(t, "v0.0.1", entry["version"])
	assert.Equal(t, "i-1", entry["instance_id"])
	assert.Equal(t, "r-1", entry["request_id"])
}

func TestSetup_Errors(t *testing.T) {
	_, _, err := Setup(models.LoggingConfig{Level: "info", Format: "json", Output: "file"}, testInfo)
	assert.Error(t, err, "file output without path")

	_, _, err = Setup(models.LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: "/nonexistent/dir/x.log"}, testInfo)
	assert.Error(t, err)

	_, _, err = Setup(models.LoggingConfig{Level: "loud", Format: "json", Output: "stdout"}, testInfo)
	assert.Error(t, err)
}

func TestHandler_RedactsSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "json", slog.LevelDebug))

	logger.Info("disclosed",
		"phone", "+1 555 0100",
		slog.Group("owner", slog.String("Full_Name", "Olivia Owner")),
		"token", "captcha-token",
		"contact_request_id", "c-1",
	)

	out := buf.String()
	assert.NotContains(t, out, "555 0100")
	assert.NotContains(t, out, "Olivia")
	assert.NotContains(t, out, "captcha-token")
	assert.Contains(t, out, "c-1")
	assert.Contains(t, out, Redacted)
}

func TestHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "text", slog.LevelWarn))

	logger.Info("should not appear")
	logger.Warn("should appear")

	assert.NotContains(t, buf.String(), "should not appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestContextLogger(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Info("scoped")
	assert.Contains(t, buf.String(), "scoped")
}

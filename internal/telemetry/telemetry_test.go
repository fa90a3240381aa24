package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronromeo/mailrelay/internal/config"
)

func TestSetupNone(t *testing.T) {
	tel, err := Setup(context.Background(), config.Telemetry{Exporter: "none"})
	require.NoError(t, err)
	assert.Nil(t, tel.LoggerProvider)
	assert.Equal(t, "mailrelay", tel.ServiceName)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetupStdoutRoutesLogs(t *testing.T) {
	var buf bytes.Buffer
	tel, err := Setup(context.Background(),
		config.Telemetry{Exporter: "stdout", ServiceName: "relay-test"},
		WithStdoutWriter(&buf),
	)
	require.NoError(t, err)
	require.NotNil(t, tel.LoggerProvider)

	log := NewLogger(config.Log{}, tel, &bytes.Buffer{})
	log.Info("reply sent", "to", "alice@example.com")

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "reply sent")
	assert.Contains(t, buf.String(), "alice@example.com")
}

func TestSetupOTLPDoesNotDial(t *testing.T) {
	tel, err := Setup(context.Background(), config.Telemetry{
		Exporter: "otlp",
		Endpoint: "127.0.0.1:1",
		Insecure: true,
		XRayIDs:  true,
		Headers:  map[string]string{"uptrace-dsn": "dsn"},
	})
	require.NoError(t, err)
	require.NotNil(t, tel.LoggerProvider)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
	assert.NoError(t, tel.Shutdown(ctx), "second shutdown is a no-op")
}

func TestSetupUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.Telemetry{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestGRPCEndpoint(t *testing.T) {
	assert.Equal(t, "otlp.example.com:4317", grpcEndpoint("otlp.example.com"))
	assert.Equal(t, "collector:9999", grpcEndpoint("collector:9999"))
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.Log{Format: "json", Level: "debug"}, nil, &buf).Debug("hello", "n", 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "DEBUG", record["level"])

	buf.Reset()
	NewLogger(config.Log{Format: "text", Level: "warn"}, nil, &buf).Info("hidden")
	assert.Empty(t, buf.String())

	NewLogger(config.Log{Format: "text"}, nil, &buf).Info("shown")
	assert.True(t, strings.Contains(buf.String(), "msg=shown"))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	level, err = ParseLevel("ERROR")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

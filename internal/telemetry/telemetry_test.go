package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/telemetry"
)

func TestNewNopProvider(t *testing.T) {
	p := telemetry.NewNopProvider()

	if p.TracerProvider == nil {
		t.Fatal("TracerProvider is nil")
	}
	if p.MeterProvider == nil {
		t.Fatal("MeterProvider is nil")
	}
	if p.LoggerProvider == nil {
		t.Fatal("LoggerProvider is nil")
	}
	if p.Logger == nil {
		t.Fatal("Logger is nil")
	}
}

func TestNopProvider_Shutdown(t *testing.T) {
	p := telemetry.NewNopProvider()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestSetup_LocalOnly(t *testing.T) {
	var buf bytes.Buffer
	p, err := telemetry.Setup(context.Background(), config.TelemetryConfig{
		ServiceName: "bidsync",
		LogLevel:    "warn",
	}, &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.Logger.Info("dropped")
	p.Logger.Warn("kept", slog.String("listing_id", "L1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "kept" || rec["listing_id"] != "L1" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestSetup_BadLevel(t *testing.T) {
	_, err := telemetry.Setup(context.Background(), config.TelemetryConfig{LogLevel: "loud"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("Setup() error = nil, want level error")
	}
}

func TestLogWithTrace_NoSpan(t *testing.T) {
	logger := slog.Default()
	// Context with no span should return the same logger.
	if got := telemetry.LogWithTrace(context.Background(), logger); got != logger {
		t.Fatal("LogWithTrace() returned a different logger without a span")
	}
}

func TestLogWithTrace_WithSpan(t *testing.T) {
	p := telemetry.NewNopProvider()
	ctx, span := p.TracerProvider.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	telemetry.LogWithTrace(ctx, logger).Info("bid accepted")

	want := span.SpanContext().TraceID().String()
	if !strings.Contains(buf.String(), want) {
		t.Errorf("log line %q lacks trace id %s", buf.String(), want)
	}
}

func TestTee(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(telemetry.Tee(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)).With(slog.String("component", "feed"))

	logger.Debug("subscriber resynced")
	logger.Error("publish failed")

	if got := strings.Count(a.String(), "component=feed"); got != 2 {
		t.Errorf("debug handler got %d records, want 2: %q", got, a.String())
	}
	if strings.Contains(b.String(), "subscriber resynced") || !strings.Contains(b.String(), "publish failed") {
		t.Errorf("error handler got %q", b.String())
	}
}

package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/chris-regnier/warden/internal/config"
)

// exporters connect lazily; a short deadline keeps shutdown from waiting on a
// collector that is not running.
func shutdownCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second)
}

func TestInit_DisabledReturnsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown should not error, got: %v", err)
	}
}

func TestInit_EnvDisables(t *testing.T) {
	cfg := config.TelemetryConfig{
		Enabled:    true,
		Endpoint:   "localhost:4317",
		Protocol:   "grpc",
		SampleRate: 1.0,
	}
	t.Setenv(EnvEnabled, "false")

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown should not error, got: %v", err)
	}
}

func TestInit_EnvEnables(t *testing.T) {
	cfg := config.TelemetryConfig{
		Endpoint:    "localhost:4317",
		Protocol:    "grpc",
		Insecure:    true,
		ServiceName: "warden-test",
		SampleRate:  1.0,
	}
	t.Setenv(EnvEnabled, "1")

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if otel.GetTracerProvider() == nil {
		t.Fatal("expected non-nil tracer provider")
	}
	ctx, cancel := shutdownCtx()
	defer cancel()
	_ = shutdown(ctx)
}

func TestApplyEnv(t *testing.T) {
	for _, val := range []string{"TRUE", "True", "1"} {
		t.Run(val, func(t *testing.T) {
			t.Setenv(EnvEnabled, val)
			t.Setenv(EnvEndpoint, "otel.local:4317")
			got := applyEnv(config.TelemetryConfig{})
			if !got.Enabled {
				t.Errorf("expected %q to enable telemetry", val)
			}
			if got.Endpoint != "otel.local:4317" {
				t.Errorf("expected endpoint override, got %q", got.Endpoint)
			}
			if got.ServiceName != "warden" {
				t.Errorf("expected default service name, got %q", got.ServiceName)
			}
		})
	}
}

func TestInit_HTTPWithHeaders(t *testing.T) {
	cfg := config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "localhost:4318",
		Protocol:    "http",
		Insecure:    true,
		ServiceName: "warden-test-http",
		SampleRate:  0.5,
		Headers:     map[string]string{"Authorization": "Bearer test-token"},
	}

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	ctx, cancel := shutdownCtx()
	defer cancel()
	_ = shutdown(ctx)
}

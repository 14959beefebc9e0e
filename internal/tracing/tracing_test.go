package tracing

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    Config
		wantErr string
	}{
		{
			name: "defaults",
			want: Config{ServiceName: defaultServiceName, SampleRatio: 1},
		},
		{
			name: "all set",
			env: map[string]string{
				"OTEL_EXPORTER_OTLP_ENDPOINT": " http://collector:4318 ",
				"OTEL_SERVICE_NAME":           " compat-staging ",
				"OTEL_TRACES_SAMPLER_ARG":     "0.25",
				"DEPLOYMENT_ENVIRONMENT":      "staging",
			},
			want: Config{Endpoint: "http://collector:4318", ServiceName: "compat-staging", Environment: "staging", SampleRatio: 0.25},
		},
		{
			name:    "ratio not a number",
			env:     map[string]string{"OTEL_TRACES_SAMPLER_ARG": "half"},
			wantErr: "OTEL_TRACES_SAMPLER_ARG",
		},
		{
			name:    "ratio out of range",
			env:     map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"},
			wantErr: "OTEL_TRACES_SAMPLER_ARG",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, key := range []string{"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME", "OTEL_TRACES_SAMPLER_ARG", "DEPLOYMENT_ENVIRONMENT"} {
				t.Setenv(key, tc.env[key])
			}

			got, err := ConfigFromEnv()
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("ConfigFromEnv() error = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ConfigFromEnv() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("ConfigFromEnv() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestInitDisabledLeavesGlobals(t *testing.T) {
	restoreOpenTelemetryGlobals(t)
	sentinelProvider := noop.NewTracerProvider()
	otel.SetTracerProvider(sentinelProvider)

	shutdown, err := Init(context.Background(), Config{ServiceName: "ignored"})
	if err != nil {
		t.Fatalf("Init() error = %v, want nil", err)
	}
	if got := otel.GetTracerProvider(); got != sentinelProvider {
		t.Fatal("Init() changed global tracer provider with tracing disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v, want nil", err)
	}
}

func TestInitInstallsTracerProvider(t *testing.T) {
	restoreOpenTelemetryGlobals(t)
	sentinelProvider := noop.NewTracerProvider()
	otel.SetTracerProvider(sentinelProvider)

	shutdown, err := Init(context.Background(), Config{
		Endpoint:    "http://127.0.0.1:4318",
		ServiceName: "xaheen-compat-test",
		SampleRatio: 1,
	})
	if err != nil {
		t.Fatalf("Init() error = %v, want nil", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("Init() tracer provider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v, want nil", err)
	}
}

func TestInitRejectsInvalidEndpoint(t *testing.T) {
	restoreOpenTelemetryGlobals(t)
	sentinelProvider := noop.NewTracerProvider()
	otel.SetTracerProvider(sentinelProvider)

	shutdown, err := Init(context.Background(), Config{Endpoint: "http://[::1"})
	if err == nil || !strings.Contains(err.Error(), "invalid OTLP endpoint") {
		t.Fatalf("Init() error = %v, want invalid OTLP endpoint", err)
	}
	if shutdown != nil {
		t.Fatal("Init() shutdown should be nil when initialization fails")
	}
	if got := otel.GetTracerProvider(); got != sentinelProvider {
		t.Fatal("Init() changed global tracer provider on error")
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		ratio      float64
		wantSample bool
	}{
		{ratio: 1, wantSample: true},
		{ratio: 2, wantSample: true},
		{ratio: 0, wantSample: false},
		{ratio: -1, wantSample: false},
	}

	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	for _, tc := range tests {
		result := newSampler(tc.ratio).ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       traceID,
			Name:          "root",
		})
		if got := result.Decision == sdktrace.RecordAndSample; got != tc.wantSample {
			t.Errorf("newSampler(%v) sampled = %v, want %v", tc.ratio, got, tc.wantSample)
		}
	}

	// A sampled parent keeps its children even when roots are never sampled.
	parent := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
	}))
	result := newSampler(0).ShouldSample(sdktrace.SamplingParameters{ParentContext: parent, TraceID: traceID, Name: "child"})
	if result.Decision != sdktrace.RecordAndSample {
		t.Fatalf("child of sampled parent decision = %v, want RecordAndSample", result.Decision)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "  ", Environment: "prod"})
	if len(attrs) != 2 {
		t.Fatalf("attributes = %v, want service name and environment", attrs)
	}
	if attrs[0] != semconv.ServiceName(defaultServiceName) {
		t.Errorf("service name = %v, want %s", attrs[0], defaultServiceName)
	}
	if attrs[1] != semconv.DeploymentEnvironment("prod") {
		t.Errorf("environment = %v, want prod", attrs[1])
	}

	if got := resourceAttributes(Config{ServiceName: "svc"}); len(got) != 1 {
		t.Fatalf("attributes = %v, want service name only", got)
	}
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		wantErr  bool
	}{
		{endpoint: "http://127.0.0.1:4318"},
		{endpoint: "https://otel.example.com/v1/traces"},
		{endpoint: "127.0.0.1:4318", wantErr: true},
		{endpoint: "grpc://collector:4317", wantErr: true},
		{endpoint: "http://", wantErr: true},
		{endpoint: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		err := validateEndpoint(tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Fatalf("validateEndpoint(%q) error = %v, wantErr %t", tt.endpoint, err, tt.wantErr)
		}
	}
}

func restoreOpenTelemetryGlobals(t *testing.T) {
	t.Helper()
	originalProvider := otel.GetTracerProvider()
	originalPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(originalProvider)
		otel.SetTextMapPropagator(originalPropagator)
	})
}

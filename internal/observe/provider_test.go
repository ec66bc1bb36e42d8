package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

// Not parallel: InitProvider replaces the global providers.
func TestInitProvider_ServesMetricsOnRegistry(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registry: reg, ServiceVersion: "1.2.3"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.CallStarted(context.Background())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var foundCalls, foundVersion bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "avabridge_active_calls") {
			foundCalls = true
		}
		if f.GetName() == "target_info" {
			for _, l := range f.GetMetric()[0].GetLabel() {
				if l.GetName() == "service_version" && l.GetValue() == "1.2.3" {
					foundVersion = true
				}
			}
		}
	}
	if !foundCalls {
		t.Error("active calls gauge not exported on the registry")
	}
	if !foundVersion {
		t.Error("target_info missing service_version=1.2.3")
	}

	_, span := StartSpan(context.Background(), "call")
	defer span.End()
	if !span.SpanContext().HasTraceID() {
		t.Error("global tracer provider does not produce spans with trace ids")
	}
}

func TestBuildVersion(t *testing.T) {
	if v := buildVersion(); v == "" {
		t.Error("buildVersion returned empty string")
	}
}

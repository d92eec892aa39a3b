package observability

import (
	"context"
	"errors"
	"testing"

	"chatgateway/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupOTel_Disabled(t *testing.T) {
	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupOTel_ExportsSpans(t *testing.T) {
	mem := tracetest.NewInMemoryExporter()
	orig := newExporter
	var gotOpts int
	newExporter = func(_ context.Context, opts ...otlptracegrpc.Option) (sdktrace.SpanExporter, error) {
		gotOpts = len(opts)
		return mem, nil
	}
	t.Cleanup(func() { newExporter = orig })

	cfg := config.OTELConfig{Enabled: true, Endpoint: "collector:4317", Insecure: true, ServiceName: "chat-gateway", SampleRatio: 1}
	shutdown, err := SetupOTel(context.Background(), cfg, "v-test")
	require.NoError(t, err)
	assert.Equal(t, 2, gotOpts)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	span.End()
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := mem.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name)
	var svc string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			svc = kv.Value.AsString()
		}
	}
	assert.Equal(t, "chat-gateway", svc)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupOTel_ExporterError(t *testing.T) {
	orig := newExporter
	newExporter = func(context.Context, ...otlptracegrpc.Option) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	}
	t.Cleanup(func() { newExporter = orig })

	_, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: true, SampleRatio: 1}, "v")
	assert.Error(t, err)
}

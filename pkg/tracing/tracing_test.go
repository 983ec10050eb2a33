package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("flowcraft")
	assert.Equal(t, "flowcraft", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRatio)
	assert.True(t, cfg.Insecure)
}

func TestSetupTracing(t *testing.T) {
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	defer func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	}()

	shutdown, err := SetupTracing(context.Background(), DefaultConfig("flowcraft-test"), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, ok := otel.GetTextMapPropagator().(propagation.TraceContext)
	assert.True(t, ok)
	assert.NotNil(t, Tracer())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	p, err := Setup(context.Background(), Config{ServiceName: "odin-gateway"})
	require.NoError(t, err)

	tr := p.Tracer()
	require.NotNil(t, tr)

	_, span := tr.Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSamplerSelection(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample(), sampler(1.0))
	assert.Equal(t, sdktrace.AlwaysSample(), sampler(2.0))
	assert.Equal(t, sdktrace.NeverSample(), sampler(0))
	assert.Equal(t, sdktrace.NeverSample(), sampler(-1))
	assert.NotNil(t, sampler(0.25))
}

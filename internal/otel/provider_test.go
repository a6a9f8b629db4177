package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/late-attach/internal/config"
)

func TestNewProvider_DisabledWithoutEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), &config.OTELConfig{ServiceName: "late-attach"}, nil)
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "attach.pass")
	assert.False(t, span.SpanContext().IsValid(), "no-op tracer yields invalid span contexts")
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Enabled(t *testing.T) {
	cfg := &config.OTELConfig{
		ServiceName:        "late-attach",
		TracesEndpoint:     "127.0.0.1:1",
		ResourceAttributes: "team=infra",
	}
	p, err := NewProvider(context.Background(), cfg, nil)
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "attach.pass")
	assert.True(t, span.SpanContext().IsValid())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Span is never ended so shutdown has nothing to export.
	_ = p.Shutdown(ctx)
}

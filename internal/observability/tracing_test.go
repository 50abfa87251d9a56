package observability

import (
	"context"
	"testing"
	"time"

	"github.com/gateguard/gateguard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "dev")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// The no-op shutdown must be callable, repeatedly.
	assert.NoError(t, shutdown(context.Background()))
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracingEnabled(t *testing.T) {
	// The OTLP exporter connects lazily, so pointing it at a dead
	// endpoint still yields a working provider. Shutdown with a short
	// deadline keeps the test from hanging on the flush.
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:    true,
		Endpoint:   "http://127.0.0.1:1",
		SampleRate: 0.5,
	}, "v1.0.0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

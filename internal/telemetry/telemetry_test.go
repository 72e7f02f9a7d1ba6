package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "sentinel", "test", true)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	// Global providers stay usable without an exporter.
	counter, err := Meter("sentinel/test").Int64Counter("test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := Tracer("sentinel/test").Start(context.Background(), "noop")
	span.End()
}

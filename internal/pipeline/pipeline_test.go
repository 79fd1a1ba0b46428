package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cirruslink.io/sdk-go/pkg/mqtt"
)

func newTestPipeline(t *testing.T, handlers Handlers) *Pipeline {
	t.Helper()
	p, err := New(&Config{
		Conn: &mqtt.ConnConfig{
			BrokerURL: "tls://hub.example.com:8883",
			ClientID:  "dev01",
		},
	}, handlers)
	require.NoError(t, err)
	return p
}

func TestPipelineShutdownIdle(t *testing.T) {
	p := newTestPipeline(t, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx), "shutting down a never-connected pipeline")
}

func TestPipelineRejectsOpsAfterShutdown(t *testing.T) {
	p := newTestPipeline(t, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	err := p.Run(context.Background(), NewSendTelemetryOp("", []byte("x"), nil))
	assert.ErrorIs(t, err, ErrPipelineShutdown)

	// A second Shutdown is a no-op.
	assert.NoError(t, p.Shutdown(ctx))
}

package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/jaym/go-orleans-client/client/internal/callback"
	"github.com/jaym/go-orleans-client/client/telemetry"
	"github.com/jaym/go-orleans-client/message"
)

func TestNewMetrics(t *testing.T) {
	metrics, err := telemetry.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotNil(t, metrics.RequestsStarted)
	assert.NotNil(t, metrics.RequestsCompleted)
	assert.NotNil(t, metrics.RequestsTimedOut)
	assert.NotNil(t, metrics.RequestsResent)
	assert.NotNil(t, metrics.OneWaySent)

	msg := &message.Message{Direction: message.DirectionRequest}
	metrics.Started(msg)
	metrics.Resent(msg)
	metrics.Resolved(msg, callback.OutcomeTimeout)
	metrics.Started(&message.Message{Direction: message.DirectionOneWay})
}

func TestGlobalProvider(t *testing.T) {
	metrics, err := telemetry.NewMetrics(nil)
	require.NoError(t, err)
	require.NotNil(t, metrics)
}

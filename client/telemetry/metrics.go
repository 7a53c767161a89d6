package telemetry

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jaym/go-orleans-client/client/internal/callback"
	"github.com/jaym/go-orleans-client/message"
)

const (
	instrumentationName = "github.com/jaym/go-orleans-client"

	requestsStartedName   = "orleans.client.requests.started"
	requestsCompletedName = "orleans.client.requests.completed"
	requestsTimedOutName  = "orleans.client.requests.timed_out"
	requestsResentName    = "orleans.client.requests.resent"
	oneWaySentName        = "orleans.client.oneway.sent"
)

var outcomeKey = attribute.Key("outcome")

// Metrics counts requests made by a client. It only observes.
type Metrics struct {
	RequestsStarted   metric.Int64Counter
	RequestsCompleted metric.Int64Counter
	RequestsTimedOut  metric.Int64Counter
	RequestsResent    metric.Int64Counter
	OneWaySent        metric.Int64Counter
}

var _ callback.Listener = (*Metrics)(nil)

// NewMetrics creates the instruments on provider, or on the global provider
// when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	m := new(Metrics)
	var err error
	if m.RequestsStarted, err = meter.Int64Counter(requestsStartedName,
		metric.WithDescription("The total number of requests sent that expect a response")); err != nil {
		return nil, errors.Wrap(err, "failed to create requests started instrument")
	}
	if m.RequestsCompleted, err = meter.Int64Counter(requestsCompletedName,
		metric.WithDescription("The total number of requests that got an outcome")); err != nil {
		return nil, errors.Wrap(err, "failed to create requests completed instrument")
	}
	if m.RequestsTimedOut, err = meter.Int64Counter(requestsTimedOutName,
		metric.WithDescription("The total number of requests that timed out")); err != nil {
		return nil, errors.Wrap(err, "failed to create requests timed out instrument")
	}
	if m.RequestsResent, err = meter.Int64Counter(requestsResentName,
		metric.WithDescription("The total number of resend attempts")); err != nil {
		return nil, errors.Wrap(err, "failed to create requests resent instrument")
	}
	if m.OneWaySent, err = meter.Int64Counter(oneWaySentName,
		metric.WithDescription("The total number of one-way calls sent")); err != nil {
		return nil, errors.Wrap(err, "failed to create one-way instrument")
	}
	return m, nil
}

func (m *Metrics) Started(msg *message.Message) {
	if msg.IsOneWay() {
		m.OneWaySent.Add(context.Background(), 1)
		return
	}
	m.RequestsStarted.Add(context.Background(), 1)
}

func (m *Metrics) Resent(*message.Message) {
	m.RequestsResent.Add(context.Background(), 1)
}

func (m *Metrics) Resolved(_ *message.Message, outcome callback.Outcome) {
	ctx := context.Background()
	m.RequestsCompleted.Add(ctx, 1, metric.WithAttributes(outcomeKey.String(outcome.String())))
	if outcome == callback.OutcomeTimeout {
		m.RequestsTimedOut.Add(ctx, 1)
	}
}

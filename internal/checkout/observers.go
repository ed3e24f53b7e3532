package checkout

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/hanko-field/storefront/internal/checkout"

// LogObserver forwards transitions to a structured logger.
func LogObserver(logger func(ctx context.Context, event string, fields map[string]any)) Observer {
	if logger == nil {
		return ObserverFunc(func(context.Context, Transition) {})
	}
	return ObserverFunc(func(ctx context.Context, t Transition) {
		fields := map[string]any{
			"attemptId": t.AttemptID,
			"buyerId":   t.BuyerID,
			"from":      string(t.From),
			"to":        string(t.To),
		}
		if t.Method != "" {
			fields["paymentMethod"] = string(t.Method)
		}
		if t.Err != nil {
			fields["errorKind"] = string(t.Err.Kind)
			fields["error"] = t.Err.Error()
		}
		logger(ctx, "checkout.transition", fields)
	})
}

// MetricsObserver counts transitions and outcomes.
type MetricsObserver struct {
	transitions metric.Int64Counter
	outcomes    metric.Int64Counter
}

// NewMetricsObserver registers checkout counters on the meter, or on the global provider when nil.
func NewMetricsObserver(meter metric.Meter) (*MetricsObserver, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	transitions, err := meter.Int64Counter(
		"checkout.transitions",
		metric.WithDescription("Count of checkout state transitions"),
	)
	if err != nil {
		return nil, err
	}
	outcomes, err := meter.Int64Counter(
		"checkout.outcomes",
		metric.WithDescription("Count of checkout attempts reaching an outcome state"),
	)
	if err != nil {
		return nil, err
	}
	return &MetricsObserver{transitions: transitions, outcomes: outcomes}, nil
}

// OnTransition records the transition.
func (m *MetricsObserver) OnTransition(ctx context.Context, t Transition) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("from", string(t.From)),
		attribute.String("to", string(t.To)),
		attribute.String("payment_method", string(t.Method)),
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))

	switch t.To {
	case StateCodDone, StateDone, StateReconciledPendingOrder, StateFailed, StateCancelled:
		outcome := []attribute.KeyValue{
			attribute.String("outcome", string(t.To)),
			attribute.String("payment_method", string(t.Method)),
		}
		if t.Err != nil {
			outcome = append(outcome, attribute.String("error_kind", string(t.Err.Kind)))
		}
		m.outcomes.Add(ctx, 1, metric.WithAttributes(outcome...))
	}
}

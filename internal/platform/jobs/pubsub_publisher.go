package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/storefront/internal/domain"
)

const markerEventType = "checkout.reconciliation_required"

// PubSubMarkerPublisher publishes reconciliation markers to a Pub/Sub topic so the backend can
// create the missing order.
type PubSubMarkerPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubMarkerPublisher constructs a Pub/Sub backed marker publisher.
func NewPubSubMarkerPublisher(topic *pubsub.Topic) (*PubSubMarkerPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub marker publisher: topic is required")
	}
	return &PubSubMarkerPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishReconciliation sends marker as JSON and waits for the server id.
func (p *PubSubMarkerPublisher) PublishReconciliation(ctx context.Context, marker domain.ReconciliationMarker) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub marker publisher: not initialised")
	}

	data, err := p.marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal reconciliation marker: %w", err)
	}

	attrs := map[string]string{"eventType": markerEventType}
	setAttr(attrs, "markerId", marker.ID)
	setAttr(attrs, "paymentSessionId", marker.PaymentSessionID)
	setAttr(attrs, "gatewayPaymentId", marker.GatewayPaymentID)
	setAttr(attrs, "currency", marker.Currency)

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = marker.PaymentSessionID
	}

	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish reconciliation marker: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubMarkerPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

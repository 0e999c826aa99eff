package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flexbus/internal/store"
)

// Publisher fans an engine event out to webhook subscriptions (durable,
// retried by the Worker) and to the live broker (best-effort).
type Publisher struct {
	Store  store.Store
	Broker EventBroker
}

func NewPublisher(s store.Store, b EventBroker) *Publisher {
	return &Publisher{Store: s, Broker: b}
}

// Emit records the event for every matching subscription and pushes it to
// live subscribers of the affected order plus the firehose topic.
func (p *Publisher) Emit(ctx context.Context, eventType string, data map[string]any) {
	if p.Broker != nil {
		evt := Event{Type: eventType, Data: data}
		if orderID, ok := data["orderId"].(string); ok && orderID != "" {
			p.Broker.Publish(orderID, evt)
		}
		p.Broker.Publish(TopicAll, evt)
	}
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"flexbus/internal/store"
)

func TestBrokerTopicsAndFirehose(t *testing.T) {
	b := NewBroker()
	orderCh := b.Subscribe("o1")
	allCh := b.Subscribe(TopicAll)
	defer b.Unsubscribe(TopicAll, allCh)

	b.Publish("o1", Event{Type: "route_confirmed"})
	b.Publish(TopicAll, Event{Type: "route_confirmed"})

	select {
	case evt := <-orderCh:
		if evt.Type != "route_confirmed" {
			t.Fatalf("wrong event: %+v", evt)
		}
	default:
		t.Fatal("order topic got nothing")
	}
	select {
	case <-allCh:
	default:
		t.Fatal("firehose got nothing")
	}

	b.Unsubscribe("o1", orderCh)
	if _, open := <-orderCh; open {
		t.Fatal("channel still open after unsubscribe")
	}
	// publishing to a dead topic must not panic or block
	b.Publish("o1", Event{Type: "route_changed"})
}

func TestPublisherFansOut(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if _, err := st.CreateSubscription(ctx, store.Subscription{
		ID: "sub1", URL: "https://example.com/hook", Events: []string{"route_confirmed"}, Secret: "k",
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if _, err := st.CreateSubscription(ctx, store.Subscription{
		ID: "sub2", URL: "https://example.com/other", Events: []string{"route_finished"},
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	b := NewBroker()
	live := b.Subscribe("o1")
	p := NewPublisher(st, b)

	p.Emit(ctx, "route_confirmed", map[string]any{"orderId": "o1", "routeId": "r1"})

	select {
	case evt := <-live:
		if evt.Data["routeId"] != "r1" {
			t.Fatalf("live event payload: %+v", evt.Data)
		}
	default:
		t.Fatal("no live event on the order topic")
	}

	due, err := st.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(due) != 1 || due[0].SubscriptionID != "sub1" {
		t.Fatalf("expected one delivery for the matching subscription: %+v", due)
	}
	var envelope struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(due[0].Payload, &envelope); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if envelope.Type != "route_confirmed" || envelope.Data["orderId"] != "o1" || envelope.ID == "" {
		t.Fatalf("envelope: %+v", envelope)
	}
}

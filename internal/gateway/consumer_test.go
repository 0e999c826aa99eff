package gateway

import (
	"context"
	"testing"

	logrus "github.com/sirupsen/logrus"

	"flexbus/internal/model"
	"flexbus/internal/store"
)

type fakeDispatcher struct {
	cancelled   []string
	started     []string
	busUpdated  []string
	busDeleted  []string
	stopDeleted []string
}

func (f *fakeDispatcher) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}
func (f *fakeDispatcher) MarkRouteStarted(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}
func (f *fakeDispatcher) HandleBusUpdated(_ context.Context, id string) error {
	f.busUpdated = append(f.busUpdated, id)
	return nil
}
func (f *fakeDispatcher) HandleBusDeleted(_ context.Context, id string) error {
	f.busDeleted = append(f.busDeleted, id)
	return nil
}
func (f *fakeDispatcher) HandleStopDeleted(_ context.Context, id string) error {
	f.stopDeleted = append(f.stopDeleted, id)
	return nil
}

func newTestConsumer(st store.Store, d Dispatcher) *Consumer {
	return &Consumer{store: st, engine: d, log: logrus.WithField("component", "consumer")}
}

func TestConsumerIdempotentReplay(t *testing.T) {
	st := store.NewMemory()
	d := &fakeDispatcher{}
	c := newTestConsumer(st, d)
	ctx := context.Background()

	raw := []byte(`{"id":"evt-1","type":"order-cancelled","data":{"orderId":"o1"}}`)
	if err := c.Handle(ctx, raw); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := c.Handle(ctx, raw); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(d.cancelled) != 1 || d.cancelled[0] != "o1" {
		t.Fatalf("event applied %d times: %v", len(d.cancelled), d.cancelled)
	}
}

func TestConsumerMalformedEvent(t *testing.T) {
	c := newTestConsumer(store.NewMemory(), &fakeDispatcher{})
	if err := c.Handle(context.Background(), []byte(`{not json`)); err == nil {
		t.Fatal("malformed payload accepted")
	}
}

func TestConsumerBusPositionUpdate(t *testing.T) {
	st := store.NewMemory()
	c := newTestConsumer(st, &fakeDispatcher{})
	ctx := context.Background()
	if err := st.UpsertBus(ctx, model.Bus{ID: "b1", Seats: 4}); err != nil {
		t.Fatalf("seed bus: %v", err)
	}

	raw := []byte(`{"id":"evt-2","type":"bus-position-update","data":{"busId":"b1","lat":52.52,"lng":13.405}}`)
	if err := c.Handle(ctx, raw); err != nil {
		t.Fatalf("handle: %v", err)
	}
	bus, err := st.GetBus(ctx, "b1")
	if err != nil {
		t.Fatalf("get bus: %v", err)
	}
	if bus.Position == nil || bus.Position.Lat != 52.52 || bus.Position.Lng != 13.405 {
		t.Fatalf("position not applied: %+v", bus.Position)
	}
	if bus.PositionAt.IsZero() {
		t.Fatal("position timestamp not set")
	}
	if bus.Seats != 4 {
		t.Fatalf("capacity clobbered by position update: %+v", bus)
	}
}

func TestConsumerBusAndStopLifecycle(t *testing.T) {
	st := store.NewMemory()
	d := &fakeDispatcher{}
	c := newTestConsumer(st, d)
	ctx := context.Background()

	if err := c.Handle(ctx, []byte(`{"id":"e1","type":"bus-updated","data":{"id":"b2","seats":6}}`)); err != nil {
		t.Fatalf("bus-updated: %v", err)
	}
	if bus, err := st.GetBus(ctx, "b2"); err != nil || bus.Seats != 6 {
		t.Fatalf("bus not upserted: %v %+v", err, bus)
	}
	if len(d.busUpdated) != 1 || d.busUpdated[0] != "b2" {
		t.Fatalf("dispatcher not notified of bus update: %v", d.busUpdated)
	}

	if err := c.Handle(ctx, []byte(`{"id":"e2","type":"stop-added","data":{"id":"s9","mapId":"m9","location":{"lat":1,"lng":2}}}`)); err != nil {
		t.Fatalf("stop-added: %v", err)
	}
	if _, err := st.GetStation(ctx, "s9"); err != nil {
		t.Fatalf("station not upserted: %v", err)
	}

	if err := c.Handle(ctx, []byte(`{"id":"e3","type":"stop-deleted","data":{"stationId":"s9"}}`)); err != nil {
		t.Fatalf("stop-deleted: %v", err)
	}
	if _, err := st.GetStation(ctx, "s9"); err != store.ErrNotFound {
		t.Fatalf("station survived delete: %v", err)
	}
	if len(d.stopDeleted) != 1 || d.stopDeleted[0] != "s9" {
		t.Fatalf("dispatcher not notified of stop delete: %v", d.stopDeleted)
	}

	if err := c.Handle(ctx, []byte(`{"id":"e4","type":"bus-deleted","data":{"busId":"b2"}}`)); err != nil {
		t.Fatalf("bus-deleted: %v", err)
	}
	if _, err := st.GetBus(ctx, "b2"); err != store.ErrNotFound {
		t.Fatalf("bus survived delete: %v", err)
	}
	if len(d.busDeleted) != 1 {
		t.Fatalf("dispatcher not notified of bus delete: %v", d.busDeleted)
	}
}

func TestConsumerOrderStartedDispatches(t *testing.T) {
	st := store.NewMemory()
	d := &fakeDispatcher{}
	c := newTestConsumer(st, d)

	if err := c.Handle(context.Background(), []byte(`{"id":"e5","type":"order-started","data":{"orderId":"o1"}}`)); err != nil {
		t.Fatalf("order-started: %v", err)
	}
	if len(d.started) != 1 || d.started[0] != "o1" {
		t.Fatalf("order start not dispatched: %v", d.started)
	}
}

func TestConsumerResolvesStopsByMapID(t *testing.T) {
	st := store.NewMemory()
	c := newTestConsumer(st, &fakeDispatcher{})
	ctx := context.Background()
	if err := st.UpsertStation(ctx, model.Station{ID: "s1", MapID: "osm-42", Name: "Old Name"}); err != nil {
		t.Fatalf("seed station: %v", err)
	}

	// an id-less update for a known map id lands on the existing station
	raw := []byte(`{"id":"e7","type":"stop-updated","data":{"mapId":"osm-42","name":"New Name"}}`)
	if err := c.Handle(ctx, raw); err != nil {
		t.Fatalf("stop-updated: %v", err)
	}
	s, err := st.GetStation(ctx, "s1")
	if err != nil {
		t.Fatalf("get station: %v", err)
	}
	if s.Name != "New Name" {
		t.Fatalf("station not updated by map id: %+v", s)
	}

	// an unknown map id becomes a fresh station
	raw = []byte(`{"id":"e8","type":"stop-added","data":{"mapId":"osm-99","name":"Brand New"}}`)
	if err := c.Handle(ctx, raw); err != nil {
		t.Fatalf("stop-added: %v", err)
	}
	fresh, err := st.GetStationByMapID(ctx, "osm-99")
	if err != nil || fresh.ID == "" {
		t.Fatalf("new station not created: %v %+v", err, fresh)
	}
}

func TestConsumerIgnoresUnknownType(t *testing.T) {
	c := newTestConsumer(store.NewMemory(), &fakeDispatcher{})
	if err := c.Handle(context.Background(), []byte(`{"id":"e6","type":"weather-report","data":{}}`)); err != nil {
		t.Fatalf("unknown type should be ignored: %v", err)
	}
}
